package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newConfigCmd prints the effective configuration with secrets masked.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			for i := range cfg.Auth.APIKeys {
				cfg.Auth.APIKeys[i] = "****"
			}
			for i := range cfg.Admission.Privileged {
				cfg.Admission.Privileged[i] = "****"
			}
			if cfg.DB.DSN != "" {
				cfg.DB.DSN = "****"
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}
