package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/state"
)

func auditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit [stack]",
		Short: "Show a stack's audit log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := loadBackend(cmd)
			if err != nil {
				return err
			}
			stack, err := resolveStack(cfg, args)
			if err != nil {
				return err
			}

			logger, ok := backend.(state.AuditLogger)
			if !ok {
				return fmt.Errorf("the configured backend keeps no audit log")
			}
			entries, err := logger.GetAuditLog(cmd.Context(), stack, limit)
			if err != nil {
				return err
			}

			for _, e := range entries {
				ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
				line := fmt.Sprintf("%s  %-20s", ts, e.Action)
				if e.NodeID != "" {
					line += "  " + e.NodeID
				}
				if e.User != "" {
					line += "  (" + e.User + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show (0 = all)")
	return cmd
}

func unlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock [stack]",
		Short: "Release a stack's advisory lock",
		Long: `Release a stack's advisory lock.

Use this when a crashed run left the lock behind; a healthy run releases
its own lock on dispose.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, backend, err := loadBackend(cmd)
			if err != nil {
				return err
			}
			stack, err := resolveStack(cfg, args)
			if err != nil {
				return err
			}

			locker, ok := backend.(state.Locker)
			if !ok {
				return fmt.Errorf("the configured backend does not support locking")
			}
			if err := locker.ReleaseLock(cmd.Context(), stack); err != nil {
				return err
			}
			fmt.Printf("released lock for %s\n", stack)
			return nil
		},
	}
	return cmd
}
