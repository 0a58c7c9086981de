package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func manifestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifests [opportunity_id]",
		Short: "List loaded manifests or print one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg := newManifestRegistry(cfg)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				m, err := reg.Get(args[0])
				if err != nil {
					return fmt.Errorf("opportunity %s: %w", args[0], err)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}

			index := reg.List()
			ids := make([]string, 0, len(index))
			for id := range index {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "%s\t%s\n", id, index[id].Title)
			}
			return nil
		},
	}
	return cmd
}
