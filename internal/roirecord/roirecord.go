// Package roirecord reads and appends ROI records, the CSV rows an operator
// saves while browsing a sample, and turns them into export requests.
package roirecord

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vhisto/server/internal/pyramid"
	"github.com/vhisto/server/internal/stack"
	"github.com/vhisto/server/internal/volume"
)

// Headers is the column layout written by Append.
var Headers = []string{
	"h5path", "Abhome", "xcoord", "ycoord", "zcoord", "ROIdim", "No_ofLayers", "Shape(8xds)",
	"orient", "cyto_clipLow", "cyto_clipHigh", "nuc_clipLow", "nuc_clipHigh",
	"pgp_ctehmt_method", "pgp_clipLow", "pgp_clipHigh", "Note",
}

// Record is one saved ROI. Coordinates are level-0 voxels.
type Record struct {
	Path   string
	Home   string
	X      int
	Y      int
	Z      int
	Dim    int
	Layers int
	// Shape is the stored array shape at the coarse level, kept verbatim.
	Shape string
	// Swapped records the orientation the operator viewed the sample in.
	Swapped      bool
	Cyto         volume.Clip
	Nuclear      volume.Clip
	MarkerMethod string
	Marker       volume.Clip
	Note         string
}

// ROI returns the record's region at level 0. A record without a layer
// count is treated as a cube of edge Dim.
func (r Record) ROI() volume.ROI {
	layers := r.Layers
	if layers <= 0 {
		layers = r.Dim
	}
	return volume.ROI{
		Z: volume.Range{Start: r.Z, End: r.Z + layers},
		Y: volume.Range{Start: r.Y, End: r.Y + r.Dim},
		X: volume.Range{Start: r.X, End: r.X + r.Dim},
	}
}

// Orientation returns the orientation override implied by the record.
func (r Record) Orientation() string {
	if r.Swapped {
		return pyramid.ModeSwapped
	}
	return pyramid.ModeNormal
}

// Apply copies the record's region and contrast settings into req. Channel
// clips are matched by role; zero clips in the record leave req unchanged.
func (r Record) Apply(req stack.Request) stack.Request {
	req.ROI = r.ROI()
	clipFor := map[volume.Role]volume.Clip{
		volume.RoleCyto:    r.Cyto,
		volume.RoleNuclear: r.Nuclear,
		volume.RoleMarker:  r.Marker,
	}
	channels := make([]stack.Channel, len(req.Channels))
	copy(channels, req.Channels)
	for i := range channels {
		c := &channels[i]
		if clip := clipFor[c.Role]; clip.High > 0 {
			c.Clip = clip
		}
		if c.Role == volume.RoleMarker && r.MarkerMethod != "" {
			c.Method = r.MarkerMethod
		}
	}
	req.Channels = channels

	if req.Composite != nil {
		comp := *req.Composite
		if r.Nuclear.High > 0 {
			comp.Nuclear.Clip = r.Nuclear
		}
		second := r.Cyto
		if comp.Second.Role == volume.RoleMarker {
			second = r.Marker
		}
		if second.High > 0 {
			comp.Second.Clip = second
		}
		req.Composite = &comp
	}
	return req
}

// Read parses records from r. Columns are located by header name so files
// written before the layer and marker columns existed still load.
func Read(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"xcoord", "ycoord", "zcoord", "ROIdim"} {
		if _, ok := col[required]; !ok {
			return nil, volume.Configf("roirecord.read", "missing column %q", required)
		}
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec, err := parseRow(row, col)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadFile parses a record file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, volume.IOError("roirecord.read", path, err)
	}
	defer f.Close()
	return Read(f)
}

type rowParser struct {
	row []string
	col map[string]int
	err error
}

func (p *rowParser) str(name string) string {
	i, ok := p.col[name]
	if !ok || i >= len(p.row) {
		return ""
	}
	return strings.TrimSpace(p.row[i])
}

func (p *rowParser) intCol(name string) int {
	s := p.str(name)
	if s == "" || p.err != nil {
		return 0
	}
	// Spin boxes occasionally save "12.0".
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = volume.Configf("roirecord.read", "column %s: %v", name, err)
		return 0
	}
	return int(v)
}

func (p *rowParser) floatCol(name string) float64 {
	s := p.str(name)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = volume.Configf("roirecord.read", "column %s: %v", name, err)
	}
	return v
}

func parseRow(row []string, col map[string]int) (Record, error) {
	p := &rowParser{row: row, col: col}
	rec := Record{
		Path:    p.str("h5path"),
		Home:    p.str("Abhome"),
		X:       p.intCol("xcoord"),
		Y:       p.intCol("ycoord"),
		Z:       p.intCol("zcoord"),
		Dim:     p.intCol("ROIdim"),
		Layers:  p.intCol("No_ofLayers"),
		Shape:   p.str("Shape(8xds)"),
		Swapped: p.intCol("orient") == 1,
		Cyto:    volume.Clip{Low: p.floatCol("cyto_clipLow"), High: p.floatCol("cyto_clipHigh")},
		Nuclear: volume.Clip{Low: p.floatCol("nuc_clipLow"), High: p.floatCol("nuc_clipHigh")},
		Marker:  volume.Clip{Low: p.floatCol("pgp_clipLow"), High: p.floatCol("pgp_clipHigh")},
		Note:    p.str("Note"),
	}
	if p.err != nil {
		return Record{}, p.err
	}
	method, err := parseMethod(p.str("pgp_ctehmt_method"))
	if err != nil {
		return Record{}, err
	}
	rec.MarkerMethod = method
	if rec.Dim <= 0 {
		return Record{}, volume.Configf("roirecord.read", "ROIdim must be positive, got %d", rec.Dim)
	}
	return rec, nil
}

func parseMethod(s string) (string, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "rescale":
		return stack.MethodRescale, nil
	case "clahe":
		return stack.MethodCLAHE, nil
	}
	return "", volume.Configf("roirecord.read", "unknown marker method %q", s)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r Record) values() []string {
	orient := "0"
	if r.Swapped {
		orient = "1"
	}
	return []string{
		r.Path, r.Home,
		strconv.Itoa(r.X), strconv.Itoa(r.Y), strconv.Itoa(r.Z),
		strconv.Itoa(r.Dim), strconv.Itoa(r.Layers), r.Shape, orient,
		formatFloat(r.Cyto.Low), formatFloat(r.Cyto.High),
		formatFloat(r.Nuclear.Low), formatFloat(r.Nuclear.High),
		r.MarkerMethod, formatFloat(r.Marker.Low), formatFloat(r.Marker.High),
		r.Note,
	}
}

// Append adds rec to the file at path, writing the header first when the
// file is new or empty.
func Append(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return volume.IOError("roirecord.append", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return volume.IOError("roirecord.append", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return volume.IOError("roirecord.append", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		w.Write(Headers)
	}
	w.Write(rec.values())
	w.Flush()
	if err := errors.Join(w.Error(), f.Close()); err != nil {
		return volume.IOError("roirecord.append", path, err)
	}
	return nil
}
