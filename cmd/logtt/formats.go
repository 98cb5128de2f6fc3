package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/logtt/internal/extract"
	"github.com/tinytelemetry/logtt/internal/logformat"
)

func newFormatsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List the named formats and extraction algorithms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := logformat.NewCatalog(c.cfg.FormatsFile)
			if err != nil {
				return err
			}
			return listFormats(cmd.OutOrStdout(), catalog.Definitions())
		},
	}
	cmd.AddCommand(newFormatsAddCommand(c))
	return cmd
}

func listFormats(out io.Writer, defs []logformat.Definition) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tLOG FORMAT")
	for _, d := range defs {
		origin := "user"
		if d.Builtin {
			origin = "builtin"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, origin, d.LogFormat)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nAlgorithms: %s\n", strings.Join(extract.Algorithms(), ", "))
	return err
}

// newFormatsAddCommand saves user formats read from a YAML file of the same
// shape as the formats file.
func newFormatsAddCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "add <file.yml>",
		Short: "Add or replace user formats from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var defs map[string]logformat.Definition
			if err := yaml.Unmarshal(data, &defs); err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}
			catalog, err := logformat.NewCatalog(c.cfg.FormatsFile)
			if err != nil {
				return err
			}
			for name, def := range defs {
				def.Name = name
				if err := catalog.SaveUserFormat(def); err != nil {
					return fmt.Errorf("format %q: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", name)
			}
			return nil
		},
	}
}
