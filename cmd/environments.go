package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/snev68/cubicle/service"
)

func init() {
	var newPackages []string
	newCmd := &cobra.Command{
		Use:   "new <environment>",
		Short: "Create a new environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvironmentName(args[0])
			if err != nil {
				return err
			}
			packageSet, err := parsePackagesFlag(newPackages)
			if err != nil {
				return err
			}
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.NewEnvironment(name, packageSet)
		},
	}
	newCmd.Flags().StringSliceVarP(&newPackages, "packages", "p", nil,
		"comma-separated packages to seed the environment with (default: default)")
	rootCmd.AddCommand(newCmd)

	var tmpPackages []string
	tmpCmd := &cobra.Command{
		Use:   "tmp",
		Short: "Create and enter a new temporary environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			packageSet, err := parsePackagesFlag(tmpPackages)
			if err != nil {
				return err
			}
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.CreateEnterTmpEnvironment(packageSet)
		},
	}
	tmpCmd.Flags().StringSliceVarP(&tmpPackages, "packages", "p", nil,
		"comma-separated packages to seed the environment with (default: default)")
	rootCmd.AddCommand(tmpCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "enter <environment>",
		Short: "Run an interactive shell in an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvironmentName(args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.EnterEnvironment(name)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "exec <environment> -- <command>...",
		Short: "Run a command in an environment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvironmentName(args[0])
			if err != nil {
				return err
			}
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.ExecEnvironment(name, args[1:])
		},
	})

	var resetPackages []string
	resetCmd := &cobra.Command{
		Use:   "reset <environment>",
		Short: "Recreate an environment, preserving its work directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := parseEnvironmentName(args[0])
			if err != nil {
				return err
			}
			packageSet, err := parsePackagesFlag(resetPackages)
			if err != nil {
				return err
			}
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.ResetEnvironment(name, packageSet)
		},
	}
	resetCmd.Flags().StringSliceVarP(&resetPackages, "packages", "p", nil,
		"change the environment's package set (default: keep the recorded set)")
	rootCmd.AddCommand(resetCmd)

	var purgeQuiet bool
	purgeCmd := &cobra.Command{
		Use:   "purge <environment>...",
		Short: "Delete environments and all their data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			for _, arg := range args {
				name, err := parseEnvironmentName(arg)
				if err != nil {
					return err
				}
				if err := svc.PurgeEnvironment(name, purgeQuiet); err != nil {
					return err
				}
			}
			return nil
		},
	}
	purgeCmd.Flags().BoolVarP(&purgeQuiet, "quiet", "q", false,
		"do not warn when an environment does not exist")
	rootCmd.AddCommand(purgeCmd)

	listFormat := newFormatValue("default", "default", "json", "names")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService()
			if err != nil {
				return err
			}
			defer cleanup()
			return svc.ListEnvironments(service.ListFormat(listFormat.String()), os.Stdout)
		},
	}
	listCmd.Flags().Var(listFormat, "format", "output format (default|json|names)")
	rootCmd.AddCommand(listCmd)
}
