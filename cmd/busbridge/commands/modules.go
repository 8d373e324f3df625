package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vulntor/busbridge/pkg/modules"
)

func newModulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "modules",
		GroupID: "core",
		Short:   "List the module locators this binary can load",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, loc := range modules.Registry().Locators() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), loc.String()); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
