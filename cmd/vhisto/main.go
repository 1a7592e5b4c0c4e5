// Package main is the entry point for the vhisto server and batch tools.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vhisto/server/internal/cache"
	"github.com/vhisto/server/internal/config"
	"github.com/vhisto/server/internal/logging"
	"github.com/vhisto/server/internal/render"
	"github.com/vhisto/server/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "vhisto",
		Short:        "Virtual histology viewer backend and z-stack exporter",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config/vhisto.yaml", "Path to configuration file (.yaml or .toml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging in text format")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		serveCmd(opts),
		exportCmd(opts),
		fcstackCmd(opts),
		inspectCmd(opts),
		suggestCmd(opts),
	)
	return cmd
}

// setup loads the configuration and builds the logger it describes.
func (o *globalOptions) setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.debug {
		cfg.Log.Debug = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openSample opens one configured sample. A non-empty orientation
// overrides the configured one.
func openSample(cfg *config.Config, id, orientation string, cm *cache.Manager, r *render.Renderer, logger logrus.FieldLogger) (*service.SampleService, error) {
	if id == "" {
		ids := cfg.SampleIDs()
		if len(ids) == 0 {
			return nil, fmt.Errorf("no samples configured")
		}
		id = ids[0]
	}
	sample, ok := cfg.Sample(id)
	if !ok {
		return nil, fmt.Errorf("sample %q is not configured (have %v)", id, cfg.SampleIDs())
	}
	sc := *sample
	if orientation != "" {
		sc.Orientation = orientation
	}
	return service.NewSampleService(service.SampleServiceConfig{
		Sample:   sc,
		Cache:    cm,
		Renderer: r,
		Logger:   logger,
	})
}
