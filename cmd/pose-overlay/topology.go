package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

var configPath string

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the keypoint table and bones of the configured skeleton",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		topo, err := cfg.BuildTopology()
		if err != nil {
			return err
		}
		return printTopology(cmd.OutOrStdout(), topo)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.AddCommand(topologyCmd)
}

func printTopology(out io.Writer, topo *skeleton.Topology) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME")
	fmt.Fprintln(w, "-----\t----")
	for i, name := range topo.Names() {
		fmt.Fprintf(w, "%d\t%s\n", i, name)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "BONE\tFROM\tTO")
	fmt.Fprintln(w, "----\t----\t--")
	for i, b := range topo.Bones() {
		from, _ := topo.NameOf(b.A)
		to, _ := topo.NameOf(b.B)
		fmt.Fprintf(w, "%d\t%s (%d)\t%s (%d)\n", i, from, b.A, to, b.B)
	}
	return w.Flush()
}
