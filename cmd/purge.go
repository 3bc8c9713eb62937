package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/replay"
)

var purgeCmd = &cobra.Command{
	Use:   "purge-replays",
	Short: "Delete replay records older than the retention window",
	Long:  "Deletes request ids that fell out of the replay retention window from the relational store. Redis-backed replay state expires by TTL and needs no purge.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("purge"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		guard := replay.NewGuard(st, replay.WithRetention(cfg.Replay.Retention))
		n, err := guard.Purge(ctx, st)
		if err != nil {
			return eris.Wrap(err, "purge replays")
		}
		zap.L().Info("replay purge complete", zap.Int64("deleted", n))
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d replay records\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
