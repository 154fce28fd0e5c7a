package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "configuration is valid: %s (org %s), %d services, %d nodes\n",
				cfg.Exchange.URL, cfg.Exchange.OrgID, len(cfg.Entities.Services), len(cfg.Entities.Nodes))
			return nil
		},
	}
}
