package main

import (
	"fmt"
	"os"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <identity>",
	Short: "Call another identity",
	Long: `Call another identity and stay in the call until it ends or you quit.

Examples:
  phone --id bob call alice
  phone --id bob --media null call alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := domain.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := startApp(ctx, cfg, flagMedia, newEventPrinter(os.Stdout, ""))
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(TitleStyle.Render(fmt.Sprintf("Calling %s as %s", target, a.id)))
		if err := a.calls.StartCall(ctx, target); err != nil {
			return err
		}
		return repl(ctx, a, os.Stdin, os.Stdout)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for incoming calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := startApp(ctx, cfg, flagMedia, newEventPrinter(os.Stdout, ""))
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println(TitleStyle.Render(fmt.Sprintf("Listening as %s", a.id)))
		return repl(ctx, a, os.Stdin, os.Stdout)
	},
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a meeting that admits every caller",
	Long: `Open local media and admit every caller as a participant until you
quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := startApp(ctx, cfg, flagMedia, newEventPrinter(os.Stdout, ""))
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.calls.StartHosting(ctx); err != nil {
			return err
		}
		fmt.Println(TitleStyle.Render(fmt.Sprintf("Hosting as %s", a.id)))
		return repl(ctx, a, os.Stdin, os.Stdout)
	},
}
