package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vhisto/server/internal/normalize"
)

func inspectCmd(opts *globalOptions) *cobra.Command {
	var sample string
	var asJSON bool

	c := &cobra.Command{
		Use:   "inspect",
		Short: "Show a sample's channels, pyramid levels and orientation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			svc, err := openSample(cfg, sample, "", nil, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			info, err := svc.Info()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "sample:      %s (%s)\n", info.ID, info.Name)
			fmt.Fprintf(out, "orientation: swapped=%v\n", info.Orientation.Swapped)
			fmt.Fprintf(out, "recipe:      %s (available: %s)\n\n", info.Recipe, strings.Join(info.Recipes, ", "))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tROLE\tCLIP\tMETHOD")
			for _, ch := range info.Channels {
				fmt.Fprintf(tw, "%s\t%s\t%g-%g\t%s\n", ch.Token, ch.Role, ch.Clip.Low, ch.Clip.High, ch.Method)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "LEVEL\tFACTOR\tEXTENT (z,y,x)\tVOXELS")
			for _, lv := range info.Levels {
				fmt.Fprintf(tw, "%d\t%s\t%d x %d x %d\t%s\n", lv.Level, lv.Factor,
					lv.Extent[0], lv.Extent[1], lv.Extent[2], humanize.SIWithDigits(lv.Voxels, 1, ""))
			}
			return tw.Flush()
		},
	}

	c.Flags().StringVarP(&sample, "sample", "s", "", "Sample id (defaults to the first configured sample)")
	c.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return c
}

func suggestCmd(opts *globalOptions) *cobra.Command {
	var (
		sample  string
		channel string
		level   int
		z       int
		mode    string
	)

	c := &cobra.Command{
		Use:   "suggest",
		Short: "Propose a clip window for one channel slice",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := normalize.SuggestMode(mode)
			if m != normalize.SuggestBackground && m != normalize.SuggestPercentile {
				return fmt.Errorf("invalid --mode %q: use %s or %s", mode, normalize.SuggestBackground, normalize.SuggestPercentile)
			}
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			svc, err := openSample(cfg, sample, "", nil, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			clip, err := svc.SuggestClip(cmd.Context(), channel, level, z, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s level %d z %d: clip_low=%g clip_high=%g\n", channel, level, z, clip.Low, clip.High)
			return nil
		},
	}

	c.Flags().StringVarP(&sample, "sample", "s", "", "Sample id (defaults to the first configured sample)")
	c.Flags().StringVar(&channel, "channel", "s01", "Channel token")
	c.Flags().IntVar(&level, "level", 1, "Pyramid level")
	c.Flags().IntVar(&z, "z", 0, "Z plane")
	c.Flags().StringVar(&mode, "mode", string(normalize.SuggestBackground), "Heuristic: background|percentile")
	return c
}
