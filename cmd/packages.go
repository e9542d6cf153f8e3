package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/snev68/cubicle/packages"
)

func init() {
	packageCmd := &cobra.Command{
		Use:   "package",
		Short: "Work with packages",
	}

	listFormat := newFormatValue("default", "default", "json", "names")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.Registry().ListPackages(packages.ListFormat(listFormat.String()), os.Stdout)
		},
	}
	listCmd.Flags().Var(listFormat, "format", "output format (default|json|names)")
	packageCmd.AddCommand(listCmd)

	rootCmd.AddCommand(packageCmd)
}
