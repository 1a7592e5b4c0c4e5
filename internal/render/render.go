// Package render draws slice previews using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"github.com/vhisto/server/internal/normalize"
	"github.com/vhisto/server/internal/volume"
	"github.com/vhisto/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
	// ROIColor is a hex color used to outline marked regions.
	ROIColor string
	// MaxEdge bounds the longer side of encoded previews; 0 disables scaling.
	MaxEdge int
}

// Renderer renders preview images from volume slices.
type Renderer struct {
	config     Config
	roiColor   color.RGBA
	bufferPool sync.Pool
	mu         sync.Mutex
	luts       map[string]*[256]color.RGBA
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "gray"
	}
	if _, err := colormap.Lookup(cfg.DefaultColormap); err != nil {
		return nil, volume.Configf("render.new", "%v", err)
	}
	roi := color.RGBA{R: 255, G: 255, A: 255}
	if cfg.ROIColor != "" {
		c, err := colormap.ParseHex(cfg.ROIColor)
		if err != nil {
			return nil, volume.Configf("render.new", "%v", err)
		}
		roi = c
	}
	return &Renderer{
		config:   cfg,
		roiColor: roi,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		luts: make(map[string]*[256]color.RGBA),
	}, nil
}

func (r *Renderer) lut(name string) (*[256]color.RGBA, error) {
	if name == "" {
		name = r.config.DefaultColormap
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.luts[name]; ok {
		return l, nil
	}
	cm, err := colormap.Lookup(name)
	if err != nil {
		return nil, volume.Configf("render.colormap", "%v", err)
	}
	l := colormap.LUT(cm)
	r.luts[name] = &l
	return &l, nil
}

// RenderSlice maps plane z of vol through clip and the named colormap.
func (r *Renderer) RenderSlice(vol *volume.Volume, z int, clip volume.Clip, colormapName string) (*image.RGBA, error) {
	lut, err := r.lut(colormapName)
	if err != nil {
		return nil, err
	}
	p, err := vol.Plane(z)
	if err != nil {
		return nil, err
	}
	bytesPix, err := normalize.RescaleToByte(p.Pix, clip)
	if err != nil {
		return nil, err
	}
	return Colorize(bytesPix, p.Width, p.Height, lut), nil
}

// Colorize maps 8-bit samples through a lookup table.
func Colorize(pix []uint8, width, height int, lut *[256]color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, v := range pix {
		c := lut[v]
		o := i * 4
		img.Pix[o] = c.R
		img.Pix[o+1] = c.G
		img.Pix[o+2] = c.B
		img.Pix[o+3] = c.A
	}
	return img
}

// Overlay outlines rect on a copy of img in the configured ROI color.
func (r *Renderer) Overlay(img image.Image, rect image.Rectangle) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetColor(r.roiColor)
	dc.SetLineWidth(2)
	dc.DrawRectangle(float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()))
	dc.Stroke()
	return dc.Image()
}

// Fit downscales img so its longer side is at most the configured MaxEdge.
func (r *Renderer) Fit(img image.Image) image.Image {
	edge := r.config.MaxEdge
	b := img.Bounds()
	long := max(b.Dx(), b.Dy())
	if edge <= 0 || long <= edge {
		return img
	}
	w := max(1, b.Dx()*edge/long)
	h := max(1, b.Dy()*edge/long)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodePNG encodes img with the fast PNG encoder.
func (r *Renderer) EncodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("png encode failed: %w", err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
