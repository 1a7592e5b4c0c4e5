// Package raster persists 2D images to disk.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/tiff"

	"github.com/vhisto/server/internal/volume"
)

// Format is an output encoding.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	TIFF Format = "tiff"
)

// ParseFormat accepts jpeg/jpg, png and tiff/tif.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "tiff", "tif":
		return TIFF, nil
	}
	return "", volume.Configf("raster.format", "unsupported raster format %q", s)
}

// Writer persists one image at path.
type Writer interface {
	Write(path string, img image.Image) error
	Ext() string
}

// DiskWriter encodes images and writes them atomically, creating parent
// directories as needed.
type DiskWriter struct {
	format     Format
	quality    int
	bufferPool sync.Pool
}

// NewDiskWriter creates a writer for format. quality applies to JPEG only.
func NewDiskWriter(format Format, quality int) (*DiskWriter, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	return &DiskWriter{
		format:  format,
		quality: quality,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}, nil
}

// Ext returns the filename extension without a dot.
func (w *DiskWriter) Ext() string {
	return string(w.format)
}

// Encode writes img to a byte slice in the writer's format.
func (w *DiskWriter) Encode(img image.Image) ([]byte, error) {
	buf := w.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer w.bufferPool.Put(buf)

	var err error
	switch w.format {
	case JPEG:
		err = jpeg.Encode(buf, img, &jpeg.Options{Quality: w.quality})
	case PNG:
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		err = encoder.Encode(buf, img)
	case TIFF:
		err = tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", w.format, err)
	}

	// Copy the bytes since the buffer will be reused
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Write encodes img and stores it at path. A temporary file is renamed into
// place so a failed write never leaves a partial image.
func (w *DiskWriter) Write(path string, img image.Image) error {
	data, err := w.Encode(img)
	if err != nil {
		return volume.IOError("raster.write", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return volume.IOError("raster.write", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return volume.IOError("raster.write", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return volume.IOError("raster.write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return volume.IOError("raster.write", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return volume.IOError("raster.write", path, err)
	}
	return nil
}

// Gray wraps 8-bit samples as an image.
func Gray(pix []uint8, width, height int) *image.Gray {
	return &image.Gray{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height)}
}
