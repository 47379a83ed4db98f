package main

import (
	"github.com/spf13/cobra"
)

func newCatalogCmd(o *rootOptions) *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the effective error catalog",
		Long: `Print the error patterns a deployment would match, in match order.

Without --plan the built-in catalog is shown. With a plan, its patterns are
merged with the built-in ones unless the plan sets use_default_catalog: false.

Examples:
  autodeploy catalog
  autodeploy catalog --plan web.yaml`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			p, err := loadPlan(planPath)
			if err != nil {
				return err
			}
			_, cat, err := recovery(p)
			if err != nil {
				return err
			}
			printCatalog(o.stdout, cat)
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan file")
	return cmd
}
