package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/isle-portal/isle-sync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				return printJSON(os.Stdout, cc.Cfg)
			}

			return config.RenderEffective(cc.Cfg, cc.CfgPath, os.Stdout)
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Write a commented default configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := config.WriteTemplate(cc.CfgPath); err != nil {
				return err
			}

			cc.Statusf("Wrote %s\n", cc.CfgPath)

			return nil
		},
	}
}
