package main

import (
	"fmt"
	"strings"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/spf13/cobra"
)

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Manage known identities",
}

var contactAddCmd = &cobra.Command{
	Use:   "add <identity> [display name]",
	Short: "Add or rename a contact",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := domain.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		p := domain.Profile{ID: id, DisplayName: strings.Join(args[1:], " ")}
		if err := store.PutProfile(cmd.Context(), p); err != nil {
			return err
		}
		printSuccess("Saved " + p.Name())
		return nil
	},
}

var contactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts with their last known presence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		profiles, err := store.Profiles(ctx)
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Println(MutedStyle.Render("no contacts"))
			return nil
		}
		for _, p := range profiles {
			presence := MutedStyle.Render("unknown")
			rec, ok, err := store.Presence(ctx, p.ID)
			if err != nil {
				return err
			}
			if ok {
				if rec.Online {
					presence = SuccessStyle.Render("online")
				} else {
					presence = MutedStyle.Render("offline since " + rec.LastSeenAt.Local().Format("2006-01-02 15:04"))
				}
			}
			fmt.Printf("%-20s %-24s %s\n", p.ID, p.DisplayName, presence)
		}
		return nil
	},
}

func init() {
	contactCmd.AddCommand(contactAddCmd, contactListCmd)
}
