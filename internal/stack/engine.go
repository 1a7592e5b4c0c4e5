// Package stack drives batch extraction of per-channel and false-colored
// z-stacks, with geometric augmentations, over a bounded worker pool.
package stack

import (
	"context"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vhisto/server/internal/falsecolor"
	"github.com/vhisto/server/internal/normalize"
	"github.com/vhisto/server/internal/pyramid"
	"github.com/vhisto/server/internal/raster"
	"github.com/vhisto/server/internal/volume"
)

// Channel contrast methods.
const (
	MethodRescale = "rescale"
	MethodCLAHE   = "clahe"
)

// DefaultKernelFraction is the CLAHE kernel size relative to the block extent.
const DefaultKernelFraction = 0.25

// Channel describes one per-channel raster output.
type Channel struct {
	Token          string      `json:"token"`
	Role           volume.Role `json:"role"`
	Clip           volume.Clip `json:"clip"`
	Method         string      `json:"method,omitempty"`
	KernelFraction float64     `json:"kernel_fraction,omitempty"`
}

// Composite describes the false-colored output.
type Composite struct {
	Recipe      string  `json:"recipe"`
	Nuclear     Channel `json:"nuclear"`
	Second      Channel `json:"second"`
	NuclearNorm float64 `json:"nuclear_norm_factor,omitempty"`
	SecondNorm  float64 `json:"second_norm_factor,omitempty"`
}

// Request is one batch export.
type Request struct {
	Sample string `json:"sample"`
	// ROI is expressed in the coordinates of ROI.Level and mapped to ReadLevel.
	ROI           volume.ROI     `json:"roi"`
	ReadLevel     int            `json:"read_level"`
	Time          int            `json:"time"`
	Channels      []Channel      `json:"channels,omitempty"`
	Composite     *Composite     `json:"composite,omitempty"`
	Augmentations []Augmentation `json:"augmentations,omitempty"`
	// Headroom is the number of z levels that must remain above the ROI start.
	Headroom int `json:"headroom"`
	// ClampZ pulls the z start down to satisfy Headroom instead of failing.
	ClampZ bool `json:"clamp_z,omitempty"`
	// FullStack writes a whole-level false-color stack with flat names.
	FullStack  bool   `json:"full_stack,omitempty"`
	OutputRoot string `json:"output_root"`
}

// Unit is one (z, augmentation, output) image.
type Unit struct {
	Z     int          `json:"z"`
	Aug   Augmentation `json:"augmentation"`
	Token string       `json:"token"`
	Path  string       `json:"path"`
}

// Plan is a validated request with its read-level ROI and output units.
type Plan struct {
	Request  Request
	ROI      volume.ROI
	ZClamped bool
	Units    []Unit
	recipe   falsecolor.Recipe
}

// UnitError records a failed unit.
type UnitError struct {
	Unit Unit
	Err  error
}

// Summary reports the outcome of a run.
type Summary struct {
	Units     int
	Written   int
	Failed    []UnitError
	Cancelled int
	Elapsed   time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("wrote %s of %s images in %s (%s failed, %s cancelled)",
		humanize.Comma(int64(s.Written)), humanize.Comma(int64(s.Units)),
		s.Elapsed.Round(time.Millisecond), humanize.Comma(int64(len(s.Failed))),
		humanize.Comma(int64(s.Cancelled)))
}

// ProgressFunc is called after each unit completes.
type ProgressFunc func(done, total int)

// Config configures an Engine.
type Config struct {
	// Store must present volumes in (z, y, x) order; see pyramid.OrientedStore.
	Store   volume.Store
	Scales  pyramid.ScaleTable
	Writer  raster.Writer
	Workers int
	Logger  logrus.FieldLogger
}

// Engine runs export requests.
type Engine struct {
	store   volume.Store
	scales  pyramid.ScaleTable
	writer  raster.Writer
	workers int
	log     logrus.FieldLogger
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	if cfg.Scales == nil {
		cfg.Scales = pyramid.DefaultScaleTable()
	}
	return &Engine{
		store:   cfg.Store,
		scales:  cfg.Scales,
		writer:  cfg.Writer,
		workers: cfg.Workers,
		log:     cfg.Logger,
	}
}

func validateChannel(c *Channel) error {
	if c.Token == "" {
		return volume.Configf("stack.channel", "empty channel token")
	}
	if c.Role != "" && !c.Role.Valid() {
		return volume.Configf("stack.channel", "channel %s has unknown role %q", c.Token, c.Role)
	}
	if err := c.Clip.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", c.Token, err)
	}
	switch c.Method {
	case "", MethodRescale:
		c.Method = MethodRescale
	case MethodCLAHE:
		if c.KernelFraction == 0 {
			c.KernelFraction = DefaultKernelFraction
		}
		if c.KernelFraction < 0 || c.KernelFraction > 1 {
			return volume.Configf("stack.channel", "channel %s kernel fraction %v outside (0, 1]", c.Token, c.KernelFraction)
		}
	default:
		return volume.Configf("stack.channel", "channel %s has unknown method %q", c.Token, c.Method)
	}
	return nil
}

func roleDir(c Channel) string {
	if c.Role != "" {
		return string(c.Role)
	}
	return c.Token
}

// Plan validates a request against the store and enumerates its units
// without reading or writing any image data.
func (e *Engine) Plan(req Request) (*Plan, error) {
	if req.Sample == "" {
		return nil, volume.Configf("stack.plan", "sample name is required")
	}
	if len(req.Channels) == 0 && req.Composite == nil {
		return nil, volume.Configf("stack.plan", "nothing to export: no channels and no composite")
	}
	if req.FullStack && req.Composite == nil {
		return nil, volume.Configf("stack.plan", "full stack export requires a composite")
	}

	channels := make([]Channel, len(req.Channels))
	copy(channels, req.Channels)
	seen := make(map[string]bool, len(channels))
	for i := range channels {
		if err := validateChannel(&channels[i]); err != nil {
			return nil, err
		}
		if seen[channels[i].Token] {
			return nil, volume.Configf("stack.plan", "channel %s requested twice", channels[i].Token)
		}
		seen[channels[i].Token] = true
	}
	req.Channels = channels

	plan := &Plan{}
	tokens := make([]string, 0, len(channels)+2)
	for _, c := range channels {
		tokens = append(tokens, c.Token)
	}
	if req.Composite != nil {
		comp := *req.Composite
		recipe, err := falsecolor.Lookup(comp.Recipe)
		if err != nil {
			return nil, err
		}
		plan.recipe = recipe
		for _, c := range []*Channel{&comp.Nuclear, &comp.Second} {
			if err := validateChannel(c); err != nil {
				return nil, err
			}
		}
		if comp.NuclearNorm < 0 || comp.SecondNorm < 0 {
			return nil, volume.Configf("stack.plan", "negative norm factor")
		}
		req.Composite = &comp
		tokens = append(tokens, comp.Nuclear.Token, comp.Second.Token)
	}

	var augs []Augmentation
	switch {
	case req.FullStack:
		augs = []Augmentation{Identity}
	case len(req.Augmentations) == 0:
		augs = append(augs, AllAugmentations...)
	default:
		augs = make([]Augmentation, len(req.Augmentations))
		for i, a := range req.Augmentations {
			parsed, err := ParseAugmentation(string(a))
			if err != nil {
				return nil, err
			}
			augs[i] = parsed
		}
	}
	req.Augmentations = augs

	if _, err := e.scales.Factor(req.ReadLevel); err != nil {
		return nil, err
	}

	var extent [3]int
	for i, tok := range tokens {
		shape, err := e.store.Shape(tok, req.ReadLevel, req.Time)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			extent = shape
		} else if shape != extent {
			return nil, volume.Configf("stack.plan", "channel %s extent %v differs from %v", tok, shape, extent)
		}
	}

	var roi volume.ROI
	if req.FullStack && req.ROI.Z.Len() == 0 && req.ROI.Y.Len() == 0 && req.ROI.X.Len() == 0 {
		roi = volume.ROI{
			Z:     volume.Range{Start: 0, End: extent[0]},
			Y:     volume.Range{Start: 0, End: extent[1]},
			X:     volume.Range{Start: 0, End: extent[2]},
			Level: req.ReadLevel,
		}
	} else {
		mapped, err := e.scales.MapROI(req.ROI, req.ReadLevel)
		if err != nil {
			return nil, err
		}
		roi = mapped
	}

	if req.Headroom > 0 {
		if req.ClampZ {
			start, clamped := pyramid.ClampZForHeadroom(roi.Z.Start, extent[0], req.Headroom)
			if clamped {
				n := roi.Z.Len()
				roi.Z = volume.Range{Start: start, End: min(start+n, extent[0])}
				plan.ZClamped = true
			}
		}
		if err := pyramid.CheckHeadroom(roi.Z, extent[0], req.Headroom); err != nil {
			return nil, err
		}
	}
	if err := pyramid.Validate(roi, extent); err != nil {
		return nil, err
	}

	plan.Request = req
	plan.ROI = roi
	ext := e.writer.Ext()
	for z := roi.Z.Start; z < roi.Z.End; z++ {
		if req.FullStack {
			plan.Units = append(plan.Units, Unit{
				Z: z, Token: CompositeToken,
				Path: FullStackPath(req.OutputRoot, req.Sample, z, ext),
			})
			continue
		}
		for _, aug := range augs {
			for _, c := range channels {
				plan.Units = append(plan.Units, Unit{
					Z: z, Aug: aug, Token: c.Token,
					Path: OutputPath(req.OutputRoot, roleDir(c), req.Sample, c.Token, roi, aug, z, ext),
				})
			}
			if req.Composite != nil {
				plan.Units = append(plan.Units, Unit{
					Z: z, Aug: aug, Token: CompositeToken,
					Path: OutputPath(req.OutputRoot, CompositeDir, req.Sample, CompositeToken, roi, aug, z, ext),
				})
			}
		}
	}
	return plan, nil
}

// runState collects unit outcomes across workers.
type runState struct {
	mu        sync.Mutex
	failed    []UnitError
	written   atomic.Int64
	done      atomic.Int64
	cancelled atomic.Int64
	total     int
	progress  ProgressFunc
}

func (s *runState) fail(u Unit, err error) {
	s.mu.Lock()
	s.failed = append(s.failed, UnitError{Unit: u, Err: err})
	s.mu.Unlock()
	s.finish()
}

func (s *runState) finish() {
	done := s.done.Add(1)
	if s.progress != nil {
		s.progress(int(done), s.total)
	}
}

// Run plans and executes a request. Configuration and bounds errors are
// returned before any image is written. Unit failures are collected in the
// summary and do not stop other units; a cancelled context stops dispatch.
func (e *Engine) Run(ctx context.Context, req Request, progress ProgressFunc) (Summary, error) {
	plan, err := e.Plan(req)
	if err != nil {
		return Summary{}, err
	}
	return e.Execute(ctx, plan, progress)
}

// Execute runs a plan produced by Plan.
func (e *Engine) Execute(ctx context.Context, plan *Plan, progress ProgressFunc) (Summary, error) {
	start := time.Now()
	req := plan.Request
	log := e.log.WithFields(logrus.Fields{"sample": req.Sample, "roi": plan.ROI.String()})
	if plan.ZClamped {
		log.Warn("z start clamped to keep headroom")
	}

	byZ := make(map[int][]Unit)
	var zs []int
	for _, u := range plan.Units {
		if _, ok := byZ[u.Z]; !ok {
			zs = append(zs, u.Z)
		}
		byZ[u.Z] = append(byZ[u.Z], u)
	}

	st := &runState{total: len(plan.Units), progress: progress}

	// CLAHE equalizes the whole ROI block once per channel.
	equalized := make(map[string][]uint8)
	equalizeErr := make(map[string]error)
	for _, c := range req.Channels {
		if c.Method != MethodCLAHE {
			continue
		}
		block, err := e.store.Read(ctx, c.Token, req.ReadLevel, req.Time, plan.ROI.Z, plan.ROI.Y, plan.ROI.X)
		if err == nil {
			equalized[c.Token], err = normalize.AdaptiveLocalEqualize(block, c.Clip, c.KernelFraction)
		}
		if err != nil {
			log.WithError(err).WithField("channel", c.Token).Error("channel equalization failed")
			equalizeErr[c.Token] = err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, z := range zs {
		units := byZ[z]
		if gctx.Err() != nil {
			st.cancelled.Add(int64(len(units)))
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				st.cancelled.Add(int64(len(units)))
				return nil
			}
			e.runLevel(gctx, plan, z, units, equalized, equalizeErr, st, log)
			return nil
		})
	}
	g.Wait()

	sum := Summary{
		Units:     len(plan.Units),
		Written:   int(st.written.Load()),
		Failed:    st.failed,
		Cancelled: int(st.cancelled.Load()),
		Elapsed:   time.Since(start),
	}
	log.Info(sum.String())
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

// runLevel produces every unit of one z level. Each channel plane is read
// once and shared by all augmentations.
func (e *Engine) runLevel(ctx context.Context, plan *Plan, z int, units []Unit,
	equalized map[string][]uint8, equalizeErr map[string]error, st *runState, log logrus.FieldLogger) {

	req := plan.Request
	roi := plan.ROI
	zr := volume.Range{Start: z, End: z + 1}

	planes := make(map[string]*volume.Plane)
	readErr := make(map[string]error)
	read := func(token string) (*volume.Plane, error) {
		if p, ok := planes[token]; ok {
			return p, nil
		}
		if err, ok := readErr[token]; ok {
			return nil, err
		}
		v, err := e.store.Read(ctx, token, req.ReadLevel, req.Time, zr, roi.Y, roi.X)
		if err != nil {
			readErr[token] = err
			return nil, err
		}
		p, err := v.Plane(0)
		if err != nil {
			readErr[token] = err
			return nil, err
		}
		planes[token] = p
		return p, nil
	}

	images := make(map[string]image.Image)
	imageErr := make(map[string]error)
	render := func(token string) (image.Image, error) {
		if img, ok := images[token]; ok {
			return img, nil
		}
		if err, ok := imageErr[token]; ok {
			return nil, err
		}
		var img image.Image
		var err error
		if token == CompositeToken {
			img, err = e.composite(plan, read)
		} else {
			img, err = e.channelImage(plan, token, z, read, equalized, equalizeErr)
		}
		if err != nil {
			imageErr[token] = err
			return nil, err
		}
		images[token] = img
		return img, nil
	}

	for _, u := range units {
		if ctx.Err() != nil {
			st.cancelled.Add(1)
			continue
		}
		img, err := render(u.Token)
		if err == nil {
			err = e.writer.Write(u.Path, u.Aug.Apply(img))
		}
		if err != nil {
			err = fmt.Errorf("z=%d %s %s: %w", u.Z, u.Token, u.Aug, err)
			log.WithFields(logrus.Fields{"z": u.Z, "channel": u.Token, "augmentation": u.Aug.String()}).
				WithError(err).Warn("unit failed")
			st.fail(u, err)
			continue
		}
		st.written.Add(1)
		st.finish()
	}
}

func (e *Engine) channelImage(plan *Plan, token string, z int, read func(string) (*volume.Plane, error),
	equalized map[string][]uint8, equalizeErr map[string]error) (image.Image, error) {

	roi := plan.ROI
	w, h := roi.X.Len(), roi.Y.Len()
	var ch Channel
	for _, c := range plan.Request.Channels {
		if c.Token == token {
			ch = c
			break
		}
	}
	if ch.Method == MethodCLAHE {
		if err := equalizeErr[token]; err != nil {
			return nil, err
		}
		n := w * h
		off := (z - roi.Z.Start) * n
		pix := make([]uint8, n)
		copy(pix, equalized[token][off:off+n])
		return raster.Gray(pix, w, h), nil
	}
	p, err := read(token)
	if err != nil {
		return nil, err
	}
	pix, err := normalize.RescaleToByte(p.Pix, ch.Clip)
	if err != nil {
		return nil, err
	}
	return raster.Gray(pix, w, h), nil
}

func (e *Engine) composite(plan *Plan, read func(string) (*volume.Plane, error)) (image.Image, error) {
	comp := plan.Request.Composite
	nucPlane, err := read(comp.Nuclear.Token)
	if err != nil {
		return nil, err
	}
	secPlane, err := read(comp.Second.Token)
	if err != nil {
		return nil, err
	}
	nuc, err := normalize.RescaleToWorkingRange(nucPlane.Pix, comp.Nuclear.Clip)
	if err != nil {
		return nil, err
	}
	sec, err := normalize.RescaleToWorkingRange(secPlane.Pix, comp.Second.Clip)
	if err != nil {
		return nil, err
	}
	return falsecolor.FalseColor(nuc, sec, nucPlane.Width, nucPlane.Height, falsecolor.Params{
		Recipe:      plan.recipe,
		NuclearNorm: comp.NuclearNorm,
		SecondNorm:  comp.SecondNorm,
	})
}
