// Package service provides the sample-level operations behind the HTTP API
// and the CLI: previews, clip suggestions, extents and exports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/vhisto/server/internal/cache"
	"github.com/vhisto/server/internal/config"
	"github.com/vhisto/server/internal/data/zarr"
	"github.com/vhisto/server/internal/falsecolor"
	"github.com/vhisto/server/internal/normalize"
	"github.com/vhisto/server/internal/pyramid"
	"github.com/vhisto/server/internal/raster"
	"github.com/vhisto/server/internal/render"
	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

// SampleServiceConfig contains sample service configuration.
type SampleServiceConfig struct {
	Sample   config.SampleConfig
	Cache    *cache.Manager
	Renderer *render.Renderer
	Logger   logrus.FieldLogger
}

// SampleService serves one configured sample.
type SampleService struct {
	sample      config.SampleConfig
	reader      *zarr.Reader
	store       pyramid.OrientedStore
	orientation pyramid.Orientation
	scales      pyramid.ScaleTable
	cache       *cache.Manager
	renderer    *render.Renderer
	log         logrus.FieldLogger
}

// NewSampleService opens the sample's pyramid and decides its orientation
// from the first configured channel at the finest level.
func NewSampleService(cfg SampleServiceConfig) (*SampleService, error) {
	if len(cfg.Sample.Channels) == 0 {
		return nil, volume.Configf("service.sample", "sample %q has no channels", cfg.Sample.ID)
	}
	reader, err := zarr.NewReader(cfg.Sample.Path)
	if err != nil {
		return nil, err
	}

	scales := cfg.Sample.ScaleTable()
	levels := scales.Levels()
	if len(levels) == 0 {
		reader.Close()
		return nil, volume.Configf("service.sample", "sample %q has no levels", cfg.Sample.ID)
	}
	stored, err := reader.Shape(cfg.Sample.Channels[0].Token, levels[0], cfg.Sample.TimeIndex)
	if err != nil {
		reader.Close()
		return nil, err
	}
	orientation, err := pyramid.ResolveOrientation(cfg.Sample.Orientation, stored, pyramid.DefaultAmbiguityTolerance)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("sample %s: %w", cfg.Sample.ID, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("sample", cfg.Sample.ID)
	log.WithFields(logrus.Fields{"shape": stored, "swapped": orientation.Swapped}).Info("sample loaded")

	return &SampleService{
		sample:      cfg.Sample,
		reader:      reader,
		store:       pyramid.OrientedStore{Store: reader, Orientation: orientation},
		orientation: orientation,
		scales:      scales,
		cache:       cfg.Cache,
		renderer:    cfg.Renderer,
		log:         log,
	}, nil
}

// ID returns the sample id.
func (s *SampleService) ID() string { return s.sample.ID }

// Name returns the sample display name.
func (s *SampleService) Name() string { return s.sample.Name }

// Store returns the oriented volume store.
func (s *SampleService) Store() volume.Store { return s.store }

// Scales returns the sample's scale table.
func (s *SampleService) Scales() pyramid.ScaleTable { return s.scales }

// Close releases the underlying reader.
func (s *SampleService) Close() { s.reader.Close() }

// ChannelInfo describes a configured channel.
type ChannelInfo struct {
	Token  string      `json:"token"`
	Role   volume.Role `json:"role"`
	Clip   volume.Clip `json:"clip"`
	Method string      `json:"method"`
}

// LevelInfo describes one pyramid level.
type LevelInfo struct {
	Level  int     `json:"level"`
	Factor string  `json:"factor"`
	Extent [3]int  `json:"extent"`
	Voxels float64 `json:"voxels"`
}

// SampleInfo is the sample summary returned by the info endpoint.
type SampleInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Orientation pyramid.Orientation `json:"orientation"`
	Recipe      string              `json:"recipe"`
	Recipes     []string            `json:"recipes"`
	Channels    []ChannelInfo       `json:"channels"`
	Levels      []LevelInfo         `json:"levels"`
}

// Info summarizes the sample. Levels missing from the store are skipped.
func (s *SampleService) Info() (*SampleInfo, error) {
	key := cache.Key("info", s.sample.ID, nil)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var info SampleInfo
			if err := json.Unmarshal(data, &info); err == nil {
				return &info, nil
			}
		}
	}

	info := &SampleInfo{
		ID:          s.sample.ID,
		Name:        s.sample.Name,
		Orientation: s.orientation,
		Recipe:      s.sample.Recipe,
		Recipes:     falsecolor.Names(),
	}
	for _, c := range s.sample.Channels {
		info.Channels = append(info.Channels, ChannelInfo{
			Token: c.Token, Role: volume.Role(c.Role), Clip: c.Clip(), Method: c.Method,
		})
	}
	for _, level := range s.scales.Levels() {
		extent, err := s.Extent(s.sample.Channels[0].Token, level)
		if volume.IsKind(err, volume.KindConfig) {
			continue
		}
		if err != nil {
			return nil, err
		}
		f, _ := s.scales.Factor(level)
		info.Levels = append(info.Levels, LevelInfo{
			Level:  level,
			Factor: f.String(),
			Extent: extent,
			Voxels: float64(extent[0]) * float64(extent[1]) * float64(extent[2]),
		})
	}

	if s.cache != nil {
		if data, err := json.Marshal(info); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return info, nil
}

// Extent returns the oriented (z, y, x) extent of a channel at a level.
func (s *SampleService) Extent(channel string, level int) ([3]int, error) {
	if _, err := s.scales.Factor(level); err != nil {
		return [3]int{}, err
	}
	return s.store.Shape(channel, level, s.sample.TimeIndex)
}

// Window is an optional in-plane region; zero ranges select the full extent.
type Window struct {
	Y volume.Range
	X volume.Range
}

func (w Window) resolve(extent [3]int, level, z int) (volume.ROI, error) {
	roi := volume.ROI{Z: volume.Range{Start: z, End: z + 1}, Y: w.Y, X: w.X, Level: level}
	if roi.Y.Len() == 0 && roi.Y.Start == 0 {
		roi.Y = volume.Range{Start: 0, End: extent[1]}
	}
	if roi.X.Len() == 0 && roi.X.Start == 0 {
		roi.X = volume.Range{Start: 0, End: extent[2]}
	}
	if err := pyramid.Validate(roi, extent); err != nil {
		return volume.ROI{}, err
	}
	return roi, nil
}

func (s *SampleService) readPlane(ctx context.Context, channel string, level, z int, w Window) (*volume.Volume, volume.ROI, error) {
	extent, err := s.Extent(channel, level)
	if err != nil {
		return nil, volume.ROI{}, err
	}
	roi, err := w.resolve(extent, level, z)
	if err != nil {
		return nil, volume.ROI{}, err
	}
	v, err := s.store.Read(ctx, channel, level, s.sample.TimeIndex, roi.Z, roi.Y, roi.X)
	if err != nil {
		return nil, volume.ROI{}, err
	}
	return v, roi, nil
}

func (s *SampleService) channel(token string) (config.ChannelConfig, error) {
	c, ok := s.sample.Channel(token)
	if !ok {
		return config.ChannelConfig{}, volume.Configf("service.channel", "sample %s has no channel %q", s.sample.ID, token)
	}
	return c, nil
}

// PreviewRequest selects one channel slice to render.
type PreviewRequest struct {
	Channel  string
	Level    int
	Z        int
	Window   Window
	Clip     *volume.Clip
	Colormap string
	// Mark outlines a rectangle in window pixel coordinates.
	Mark *image.Rectangle
}

func windowParams(p map[string]string, w Window) {
	p["y"] = w.Y.String()
	p["x"] = w.X.String()
}

func markParam(m *image.Rectangle) string {
	if m == nil {
		return ""
	}
	return m.String()
}

// Preview renders a single channel slice as PNG.
func (s *SampleService) Preview(ctx context.Context, req PreviewRequest) ([]byte, error) {
	ch, err := s.channel(req.Channel)
	if err != nil {
		return nil, err
	}
	clip := ch.Clip()
	if req.Clip != nil {
		clip = *req.Clip
	}

	params := map[string]string{
		"channel":  req.Channel,
		"level":    strconv.Itoa(req.Level),
		"z":        strconv.Itoa(req.Z),
		"clip":     fmt.Sprintf("%g-%g", clip.Low, clip.High),
		"colormap": req.Colormap,
		"mark":     markParam(req.Mark),
	}
	windowParams(params, req.Window)
	key := cache.Key("preview", s.sample.ID, params)
	if data, ok := s.cachedPreview(key); ok {
		return data, nil
	}

	v, _, err := s.readPlane(ctx, req.Channel, req.Level, req.Z, req.Window)
	if err != nil {
		return nil, err
	}
	img, err := s.renderer.RenderSlice(v, 0, clip, req.Colormap)
	if err != nil {
		return nil, err
	}
	return s.finish(key, img, req.Mark)
}

// FalseColorRequest selects a composite slice to render.
type FalseColorRequest struct {
	Level  int
	Z      int
	Window Window
	Recipe string
	// Nuclear and Second default to the sample's nuclear channel and the
	// recipe's counterstain channel.
	Nuclear     string
	Second      string
	NuclearClip *volume.Clip
	SecondClip  *volume.Clip
	DisplayClip bool
	Mark        *image.Rectangle
}

// FalseColorPreview renders a false-colored slice as PNG.
func (s *SampleService) FalseColorPreview(ctx context.Context, req FalseColorRequest) ([]byte, error) {
	comp, err := s.Composite(req.Recipe, req.Nuclear, req.Second)
	if err != nil {
		return nil, err
	}
	if req.NuclearClip != nil {
		comp.Nuclear.Clip = *req.NuclearClip
	}
	if req.SecondClip != nil {
		comp.Second.Clip = *req.SecondClip
	}
	recipe, err := falsecolor.Lookup(comp.Recipe)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"level":   strconv.Itoa(req.Level),
		"z":       strconv.Itoa(req.Z),
		"recipe":  recipe.Name,
		"nuclear": fmt.Sprintf("%s:%g-%g", comp.Nuclear.Token, comp.Nuclear.Clip.Low, comp.Nuclear.Clip.High),
		"second":  fmt.Sprintf("%s:%g-%g", comp.Second.Token, comp.Second.Clip.Low, comp.Second.Clip.High),
		"display": strconv.FormatBool(req.DisplayClip),
		"mark":    markParam(req.Mark),
	}
	windowParams(params, req.Window)
	key := cache.Key("falsecolor", s.sample.ID, params)
	if data, ok := s.cachedPreview(key); ok {
		return data, nil
	}

	nucVol, _, err := s.readPlane(ctx, comp.Nuclear.Token, req.Level, req.Z, req.Window)
	if err != nil {
		return nil, err
	}
	secVol, _, err := s.readPlane(ctx, comp.Second.Token, req.Level, req.Z, req.Window)
	if err != nil {
		return nil, err
	}
	nuc, err := normalize.RescaleToWorkingRange(nucVol.Data, comp.Nuclear.Clip)
	if err != nil {
		return nil, err
	}
	sec, err := normalize.RescaleToWorkingRange(secVol.Data, comp.Second.Clip)
	if err != nil {
		return nil, err
	}
	img, err := falsecolor.FalseColor(nuc, sec, nucVol.Shape[2], nucVol.Shape[1], falsecolor.Params{
		Recipe:      recipe,
		NuclearNorm: comp.NuclearNorm,
		SecondNorm:  comp.SecondNorm,
	})
	if err != nil {
		return nil, err
	}
	if req.DisplayClip {
		img = normalize.DisplayClip(img, 99)
	}
	return s.finish(key, img, req.Mark)
}

func (s *SampleService) cachedPreview(key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.GetPreview(key)
}

func (s *SampleService) finish(key string, img image.Image, mark *image.Rectangle) ([]byte, error) {
	if mark != nil {
		img = s.renderer.Overlay(img, *mark)
	}
	data, err := s.renderer.EncodePNG(s.renderer.Fit(img))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetPreview(key, data); err != nil {
			s.log.WithError(err).Debug("preview not cached")
		}
	}
	return data, nil
}

// SuggestClip proposes a clip window for one channel slice.
func (s *SampleService) SuggestClip(ctx context.Context, channel string, level, z int, mode normalize.SuggestMode) (volume.Clip, error) {
	ch, err := s.channel(channel)
	if err != nil {
		return volume.Clip{}, err
	}
	key := cache.Key("suggest", s.sample.ID, map[string]string{
		"channel": channel, "level": strconv.Itoa(level), "z": strconv.Itoa(z), "mode": string(mode),
	})
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var clip volume.Clip
			if err := json.Unmarshal(data, &clip); err == nil {
				return clip, nil
			}
		}
	}

	v, _, err := s.readPlane(ctx, channel, level, z, Window{})
	if err != nil {
		return volume.Clip{}, err
	}
	clip := normalize.SuggestClip(v.Data, volume.Role(ch.Role), mode)

	if s.cache != nil {
		if data, err := json.Marshal(clip); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return clip, nil
}

// Composite builds the sample's composite description. Empty arguments take
// the configured recipe, the nuclear channel, and the counterstain channel
// the recipe expects (cytoplasm for H&E, marker for IHC).
func (s *SampleService) Composite(recipeName, nuclear, second string) (*stack.Composite, error) {
	if recipeName == "" {
		recipeName = s.sample.Recipe
	}
	recipe, err := falsecolor.Lookup(recipeName)
	if err != nil {
		return nil, err
	}

	var nucCh, secCh config.ChannelConfig
	if nuclear != "" {
		if nucCh, err = s.channel(nuclear); err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if nucCh, ok = s.sample.ChannelByRole(volume.RoleNuclear); !ok {
			return nil, volume.Configf("service.composite", "sample %s has no nuclear channel", s.sample.ID)
		}
	}
	if second != "" {
		if secCh, err = s.channel(second); err != nil {
			return nil, err
		}
	} else {
		role := volume.RoleCyto
		if recipe.Name == falsecolor.IHC.Name {
			role = volume.RoleMarker
		}
		c, ok := s.sample.ChannelByRole(role)
		if !ok {
			c, ok = s.sample.ChannelByRole(volume.RoleCyto)
		}
		if !ok {
			return nil, volume.Configf("service.composite", "sample %s has no %s channel", s.sample.ID, role)
		}
		secCh = c
	}

	return &stack.Composite{
		Recipe:      recipe.Name,
		Nuclear:     nucCh.StackChannel(),
		Second:      secCh.StackChannel(),
		NuclearNorm: s.sample.NucNormFactor,
		SecondNorm:  s.sample.SecondNormFactor,
	}, nil
}

// NewRequest builds an export request for roi from the sample's channels
// and the export defaults. The caller fills in output overrides.
func (s *SampleService) NewRequest(exp config.ExportConfig, roi volume.ROI, readLevel int) (stack.Request, error) {
	augs, err := exp.ParsedAugmentations()
	if err != nil {
		return stack.Request{}, err
	}
	req := stack.Request{
		Sample:        s.sample.ID,
		ROI:           roi,
		ReadLevel:     readLevel,
		Time:          s.sample.TimeIndex,
		Augmentations: augs,
		Headroom:      exp.Headroom,
		ClampZ:        exp.ClampZ,
		OutputRoot:    exp.OutputRoot,
	}

	want := make(map[string]bool, len(exp.Channels))
	for _, tok := range exp.Channels {
		if _, ok := s.sample.Channel(tok); !ok {
			return stack.Request{}, volume.Configf("service.request", "sample %s has no channel %q", s.sample.ID, tok)
		}
		want[tok] = true
	}
	for _, c := range s.sample.Channels {
		if len(want) > 0 && !want[c.Token] {
			continue
		}
		req.Channels = append(req.Channels, c.StackChannel())
	}
	if !exp.SkipComposite {
		comp, err := s.Composite("", "", "")
		if err != nil {
			return stack.Request{}, err
		}
		req.Composite = comp
	}
	return req, nil
}

// Engine builds a stack engine writing with exp's format.
func (s *SampleService) Engine(exp config.ExportConfig) (*stack.Engine, error) {
	format, err := raster.ParseFormat(exp.Format)
	if err != nil {
		return nil, err
	}
	writer, err := raster.NewDiskWriter(format, exp.JPEGQuality)
	if err != nil {
		return nil, err
	}
	return stack.NewEngine(stack.Config{
		Store:   s.store,
		Scales:  s.scales,
		Writer:  writer,
		Workers: exp.Workers,
		Logger:  s.log,
	}), nil
}

// Export runs req to completion.
func (s *SampleService) Export(ctx context.Context, exp config.ExportConfig, req stack.Request, progress stack.ProgressFunc) (stack.Summary, error) {
	engine, err := s.Engine(exp)
	if err != nil {
		return stack.Summary{}, err
	}
	return engine.Run(ctx, req, progress)
}
