package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vhisto/server/internal/config"
	"github.com/vhisto/server/internal/roirecord"
	"github.com/vhisto/server/internal/service"
	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

// exportOptions override the configured export defaults.
type exportOptions struct {
	sample        string
	out           string
	format        string
	workers       int
	headroom      int
	clampZ        bool
	augmentations []string
	channels      []string
	skipComposite bool
	recipe        string
}

func (o *exportOptions) bind(c *cobra.Command) {
	c.Flags().StringVarP(&o.sample, "sample", "s", "", "Sample id (defaults to the first configured sample)")
	c.Flags().StringVarP(&o.out, "out", "o", "", "Output root (overrides export.output_root)")
	c.Flags().StringVar(&o.format, "format", "", "Raster format: jpeg|png")
	c.Flags().IntVar(&o.workers, "workers", 0, "Worker count (0 keeps the configured value)")
	c.Flags().IntVar(&o.headroom, "headroom", -1, "Z levels that must remain above the ROI start (-1 keeps the configured value)")
	c.Flags().BoolVar(&o.clampZ, "clamp-z", false, "Pull the z start down to satisfy headroom instead of failing")
	c.Flags().StringSliceVar(&o.augmentations, "augment", nil, "Augmentations: identity,transpose,mirror,flip")
	c.Flags().StringSliceVar(&o.channels, "channels", nil, "Channel tokens to export individually")
	c.Flags().BoolVar(&o.skipComposite, "skip-composite", false, "Do not write false-colored outputs")
	c.Flags().StringVar(&o.recipe, "recipe", "", "Stain recipe for the composite: HE|IHC")
}

func (o *exportOptions) apply(exp config.ExportConfig) config.ExportConfig {
	if o.out != "" {
		exp.OutputRoot = o.out
	}
	if o.format != "" {
		exp.Format = o.format
	}
	if o.workers > 0 {
		exp.Workers = o.workers
	}
	if o.headroom >= 0 {
		exp.Headroom = o.headroom
	}
	exp.ClampZ = exp.ClampZ || o.clampZ
	if len(o.augmentations) > 0 {
		exp.Augmentations = o.augmentations
	}
	if len(o.channels) > 0 {
		exp.Channels = o.channels
	}
	exp.SkipComposite = exp.SkipComposite || o.skipComposite
	return exp
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// logProgress logs every tenth of a run.
func logProgress(log logrus.FieldLogger) stack.ProgressFunc {
	return func(done, total int) {
		if total == 0 {
			return
		}
		step := max(total/10, 1)
		if done%step == 0 || done == total {
			log.WithField("progress", fmt.Sprintf("%s/%s", humanize.Comma(int64(done)), humanize.Comma(int64(total)))).Info("exporting")
		}
	}
}

func runExport(ctx context.Context, svc *service.SampleService, exp config.ExportConfig, req stack.Request, log logrus.FieldLogger) error {
	summary, err := svc.Export(ctx, exp, req, logProgress(log))
	if err != nil {
		return err
	}
	for _, f := range summary.Failed {
		log.WithFields(logrus.Fields{
			"z":            f.Unit.Z,
			"augmentation": f.Unit.Aug.String(),
			"token":        f.Unit.Token,
		}).WithError(f.Err).Warn("image failed")
	}
	log.Info(summary.String())
	if summary.Written == 0 && len(summary.Failed) > 0 {
		return fmt.Errorf("all %d images failed", len(summary.Failed))
	}
	return nil
}

func exportCmd(opts *globalOptions) *cobra.Command {
	eo := &exportOptions{}
	var (
		rec        roirecord.Record
		roiLevel   int
		readLevel  int
		records    string
		saveRecord string
	)

	c := &cobra.Command{
		Use:   "export",
		Short: "Export per-channel and false-colored z-stacks for a region of interest",
		Long: "Export a region given by --x/--y/--z/--dim/--layers, or every row of a\n" +
			"saved ROI record file given by --records.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			exp := eo.apply(cfg.Export)
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if records != "" {
				return exportRecords(ctx, cfg, eo, exp, records, readLevel, logger)
			}
			if rec.Dim <= 0 {
				return fmt.Errorf("--dim is required without --records")
			}

			svc, err := openSample(cfg, eo.sample, "", nil, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			roi := rec.ROI()
			roi.Level = roiLevel
			req, err := buildRequest(svc, exp, eo.recipe, roi, readLevel)
			if err != nil {
				return err
			}
			if err := runExport(ctx, svc, exp, req, logger.WithField("sample", svc.ID())); err != nil {
				return err
			}

			if saveRecord != "" {
				rec.Home = exp.OutputRoot
				if err := roirecord.Append(saveRecord, rec); err != nil {
					return err
				}
				logger.WithField("file", saveRecord).Info("ROI record saved")
			}
			return nil
		},
	}

	eo.bind(c)
	c.Flags().IntVar(&rec.X, "x", 0, "ROI x start")
	c.Flags().IntVar(&rec.Y, "y", 0, "ROI y start")
	c.Flags().IntVar(&rec.Z, "z", 0, "ROI z start")
	c.Flags().IntVar(&rec.Dim, "dim", 0, "ROI edge length in x and y")
	c.Flags().IntVar(&rec.Layers, "layers", 0, "ROI depth in z (defaults to --dim)")
	c.Flags().StringVar(&rec.Note, "note", "", "Note stored with --save-record")
	c.Flags().IntVar(&roiLevel, "roi-level", 0, "Pyramid level the ROI coordinates are given in")
	c.Flags().IntVar(&readLevel, "read-level", 0, "Pyramid level to read and write at")
	c.Flags().StringVar(&records, "records", "", "ROI record CSV; exports every row at level-0 coordinates")
	c.Flags().StringVar(&saveRecord, "save-record", "", "Append the exported ROI to this record CSV")
	return c
}

func buildRequest(svc *service.SampleService, exp config.ExportConfig, recipe string, roi volume.ROI, readLevel int) (stack.Request, error) {
	req, err := svc.NewRequest(exp, roi, readLevel)
	if err != nil {
		return stack.Request{}, err
	}
	if recipe != "" && req.Composite != nil {
		comp, err := svc.Composite(recipe, "", "")
		if err != nil {
			return stack.Request{}, err
		}
		req.Composite = comp
	}
	return req, nil
}

// exportRecords exports each saved record. Records carry their own
// orientation, so one service is opened per orientation seen.
func exportRecords(ctx context.Context, cfg *config.Config, eo *exportOptions, exp config.ExportConfig,
	path string, readLevel int, logger logrus.FieldLogger) error {
	recs, err := roirecord.ReadFile(path)
	if err != nil {
		return err
	}
	logger.WithField("records", len(recs)).Info("loaded ROI records")

	services := map[string]*service.SampleService{}
	defer func() {
		for _, svc := range services {
			svc.Close()
		}
	}()

	var failed int
	for i, rec := range recs {
		log := logger.WithFields(logrus.Fields{"record": i + 1, "roi": rec.ROI().String()})
		svc, ok := services[rec.Orientation()]
		if !ok {
			svc, err = openSample(cfg, eo.sample, rec.Orientation(), nil, nil, logger)
			if err != nil {
				return err
			}
			services[rec.Orientation()] = svc
		}
		req, err := buildRequest(svc, exp, eo.recipe, rec.ROI(), readLevel)
		if err != nil {
			return err
		}
		req = rec.Apply(req)
		if err := runExport(ctx, svc, exp, req, log); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.WithError(err).Error("record failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(recs))
	}
	return nil
}

func fcstackCmd(opts *globalOptions) *cobra.Command {
	eo := &exportOptions{}
	var level int

	c := &cobra.Command{
		Use:   "fcstack",
		Short: "Write a false-colored image for every z plane of a pyramid level",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			exp := eo.apply(cfg.Export)
			exp.SkipComposite = false
			exp.Headroom = 0

			svc, err := openSample(cfg, eo.sample, "", nil, nil, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			req, err := buildRequest(svc, exp, eo.recipe, volume.ROI{}, level)
			if err != nil {
				return err
			}
			req.FullStack = true
			req.Channels = nil

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runExport(ctx, svc, exp, req, logger.WithField("sample", svc.ID()))
		},
	}

	eo.bind(c)
	c.Flags().IntVar(&level, "level", 1, "Pyramid level to render")
	return c
}
