package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"coderider-gateway/internal/config"
	"coderider-gateway/internal/registry"
)

const resolveUsage = `Usage:
  coderider-gateway resolve [--config <path>] <model>...

Flags:
  --config string   Path to YAML configuration file with extra aliases`

func resolve(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, resolveUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse resolve flags: %w", err)
	}
	if fs.NArg() == 0 {
		return errors.New("resolve requires at least one model name")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	reg := registry.New(registry.Options{
		Aliases:    cfg.Models.Aliases,
		Multimodal: cfg.Models.Multimodal,
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUESTED\tUPSTREAM\tMULTIMODAL")
	for _, name := range fs.Args() {
		d := reg.Resolve(name)
		fmt.Fprintf(tw, "%s\t%s\t%t\n", d.RequestedID, d.UpstreamAlias, d.Multimodal)
	}
	return tw.Flush()
}
