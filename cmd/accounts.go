package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/antigravity-tools/agproxy/internal/account"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/provider"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List pooled accounts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		storage := account.NewStorage(baseDir)
		accounts, err := storage.Load()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			color.Yellow("No accounts yet. Add one via POST /v1/accounts while the service runs.")
			return nil
		}

		visibility := config.Config{}
		if cfg := cfgMgr.Get(); cfg != nil {
			visibility = *cfg
		}

		for _, a := range accounts {
			marker := " "
			if a.IsActive {
				marker = "*"
			}
			stats := provider.GroupModelsByProvider(a.Quota, visibility.ModelVisibility)
			fmt.Printf("%s %-30s %-12s %5.1f%% %s\n",
				marker, a.Email, a.Status, stats.OverallPercentage, lastUsed(a.LastUsed))
		}
		return nil
	},
}

func lastUsed(epoch int64) string {
	if epoch == 0 {
		return "never used"
	}
	return "used " + time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}
