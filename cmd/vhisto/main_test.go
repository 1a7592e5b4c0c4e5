package main

import (
	"testing"

	"github.com/vhisto/server/internal/config"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "export", "fcstack", "inspect", "suggest"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}

func TestExportOptionsApply(t *testing.T) {
	base := config.ExportConfig{OutputRoot: "./export", Format: "jpeg", Workers: 4, Headroom: 12}

	got := (&exportOptions{headroom: -1}).apply(base)
	if got.OutputRoot != "./export" || got.Headroom != 12 || got.Workers != 4 {
		t.Errorf("defaults changed: %+v", got)
	}

	eo := &exportOptions{out: "/tmp/x", format: "png", workers: 2, headroom: 0, clampZ: true,
		augmentations: []string{"flip"}, channels: []string{"s01"}, skipComposite: true}
	got = eo.apply(base)
	if got.OutputRoot != "/tmp/x" || got.Format != "png" || got.Workers != 2 || got.Headroom != 0 ||
		!got.ClampZ || !got.SkipComposite || len(got.Augmentations) != 1 || got.Channels[0] != "s01" {
		t.Errorf("overrides not applied: %+v", got)
	}
}
