package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/martinemde/modelgate/toolserver"
)

var resourceCmd = &cobra.Command{
	Use:   "resource <uri>",
	Short: "Print a resource document",
	Long: fmt.Sprintf(`Print a resource document.

Known resources:
  %s
  %s
  %s`, toolserver.CatalogURI, toolserver.PricingURI, toolserver.SchemaURITemplate),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.registry.ReadResource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}
