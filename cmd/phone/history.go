package main

import (
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/spf13/cobra"
)

var flagHistoryLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		id, err := domain.ParseIdentity(cfg.Identity)
		if err != nil {
			return fmt.Errorf("--id: %w", err)
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), id, flagHistoryLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(MutedStyle.Render("no calls yet"))
			return nil
		}
		for _, r := range records {
			fmt.Println(renderRecord(r))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of calls to show")
}
