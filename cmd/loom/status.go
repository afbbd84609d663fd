package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [stack]",
		Short: "Show a stack's deployment status",
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

			st, err := backend.GetState(cmd.Context(), stack)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("stack %q has no persisted state", stack)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Printf("Stack:     %s\n", st.StackName)
			fmt.Printf("Status:    %s\n", st.Status)
			fmt.Printf("Nodes:     %d\n", len(st.Nodes))
			if len(st.ApplyingNodeIDs) > 0 {
				fmt.Printf("Applying:  %v\n", st.ApplyingNodeIDs)
			}
			if st.User != "" {
				fmt.Printf("User:      %s\n", st.User)
			}
			fmt.Printf("Deployed:  %s\n", time.UnixMilli(st.LastDeployedAt).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state blob")
	return cmd
}

func nodesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "nodes [stack]",
		Short: "List a stack's persisted nodes",
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

			st, err := backend.GetState(cmd.Context(), stack)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("stack %q has no persisted state", stack)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st.Nodes)
			}

			for _, n := range st.Nodes {
				marker := " "
				if n.Outputs != nil {
					marker = "*"
				}
				fmt.Printf("%s %-50s outputs=%d\n", marker, n.ID, len(n.Outputs))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print nodes as JSON")
	return cmd
}
