package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/lindad/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short bool
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the lindad version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case short && asYAML:
				return fmt.Errorf("--version and --yaml are mutually exclusive")
			case short:
				_, err := fmt.Fprintln(out, version.Current())
				return err
			case asYAML:
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(version.Read()); err != nil {
					return err
				}
				return enc.Close()
			}
			_, err := fmt.Fprintf(out, "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "version", false, "print only the version")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print build details as YAML")
	return cmd
}
