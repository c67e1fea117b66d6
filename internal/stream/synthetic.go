package stream

import (
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/framestream/internal/wire"
)

// Synthetic source defaults, sized like one rotation of a 64-beam
// sensor.
const (
	DefaultSyntheticRows   = 64
	DefaultSyntheticCols   = 1024
	DefaultSyntheticPoints = 4096

	defaultNoiseSigma = 0.15
)

// SyntheticSource generates plausible sensor frames without hardware:
// a slowly rotating range field with Gaussian noise, matching
// reflectivity values, and a ring-shaped point cloud. It produces
// every stream kind.
type SyntheticSource struct {
	// Rows and Cols shape the image kinds. Zero selects the defaults.
	Rows int
	Cols int

	// Points sizes the point-cloud kinds. Zero selects the default.
	Points int

	// FrameLimit caps how many frames each cursor yields. Zero means
	// unlimited.
	FrameLimit int

	// Seed makes generation deterministic. Zero seeds from entropy.
	Seed uint64

	// NoiseSigma is the standard deviation of the additive noise.
	// Zero selects a sensor-like default.
	NoiseSigma float64
}

// Open returns a cursor producing synthetic frames of the given kind.
func (s *SyntheticSource) Open(kind wire.StreamKind) (FrameCursor, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: id %d", wire.ErrUnknownStreamKind, uint32(kind))
	}

	rows := s.Rows
	if rows <= 0 {
		rows = DefaultSyntheticRows
	}
	cols := s.Cols
	if cols <= 0 {
		cols = DefaultSyntheticCols
	}
	points := s.Points
	if points <= 0 {
		points = DefaultSyntheticPoints
	}
	sigma := s.NoiseSigma
	if sigma <= 0 {
		sigma = defaultNoiseSigma
	}

	seed := s.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	// Offset the stream by its kind so concurrent cursors over the
	// same seed do not emit identical noise.
	src := rand.NewPCG(seed, uint64(kind)+1)

	return &syntheticCursor{
		kind:   kind,
		rows:   rows,
		cols:   cols,
		points: points,
		limit:  s.FrameLimit,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: sigma,
			Src:   src,
		},
	}, nil
}

type syntheticCursor struct {
	kind   wire.StreamKind
	rows   int
	cols   int
	points int
	limit  int
	frame  int
	noise  distuv.Normal
}

func (c *syntheticCursor) Next() (*wire.Frame, error) {
	if c.limit > 0 && c.frame >= c.limit {
		return nil, io.EOF
	}

	// The scene rotates a little each frame so consecutive frames
	// differ but stay correlated, like a live sensor.
	phase := float64(c.frame) * 0.05
	c.frame++

	switch c.kind {
	case wire.KindRangeImage:
		return c.imageFrame(c.cols, func(row, col int) float64 {
			return c.rangeAt(row, col, phase)
		}), nil
	case wire.KindReflectivityImage:
		return c.imageFrame(c.cols, func(row, col int) float64 {
			return c.reflectivityAt(row, col, phase)
		}), nil
	case wire.KindPointCloudXYZ:
		return c.cloudFrame(c.pointAt, phase), nil
	case wire.KindPointCloudColor:
		return c.cloudFrame(c.colorAt, phase), nil
	case wire.KindCombinedInterleaved:
		return c.combinedFrame(phase), nil
	}
	return nil, fmt.Errorf("%w: id %d", wire.ErrUnknownStreamKind, uint32(c.kind))
}

func (c *syntheticCursor) Close() error { return nil }

// rangeAt models distance in metres: a gently undulating wall with
// per-beam tilt and additive noise.
func (c *syntheticCursor) rangeAt(row, col int, phase float64) float64 {
	azimuth := 2 * math.Pi * float64(col) / float64(c.cols)
	tilt := 1 - 0.5*float64(row)/float64(c.rows)
	base := 20 + 8*math.Sin(azimuth+phase) + 3*math.Cos(3*azimuth)
	return base*tilt + c.noise.Rand()
}

// reflectivityAt models an 8-bit intensity return.
func (c *syntheticCursor) reflectivityAt(row, col int, phase float64) float64 {
	azimuth := 2 * math.Pi * float64(col) / float64(c.cols)
	v := 128 + 100*math.Sin(2*azimuth-phase)*math.Cos(float64(row)*0.2) + 20*c.noise.Rand()
	return math.Max(0, math.Min(255, v))
}

func (c *syntheticCursor) imageFrame(cols int, at func(row, col int) float64) *wire.Frame {
	values := make([]float32, c.rows*cols)
	for row := 0; row < c.rows; row++ {
		for col := 0; col < cols; col++ {
			values[row*cols+col] = float32(at(row, col))
		}
	}
	return &wire.Frame{
		Kind:   c.kind,
		Shape0: uint32(c.rows),
		Shape1: uint32(cols),
		Values: values,
	}
}

// pointAt places point i on a noisy ring that rotates with the scene.
func (c *syntheticCursor) pointAt(i int, phase float64) (x, y, z float64) {
	angle := 2*math.Pi*float64(i)/float64(c.points) + phase
	radius := 10 + 2*math.Sin(5*angle) + c.noise.Rand()
	x = radius * math.Cos(angle)
	y = radius * math.Sin(angle)
	z = 1.5 + 0.5*math.Sin(2*angle+phase) + 0.2*c.noise.Rand()
	return x, y, z
}

// colorAt colours point i from its reflectivity: red carries the
// normalized return, green is dark, blue is full, so bright surfaces
// read warm against a blue field.
func (c *syntheticCursor) colorAt(i int, phase float64) (r, g, b float64) {
	angle := 2*math.Pi*float64(i)/float64(c.points) + phase
	refl := 0.5 + 0.4*math.Sin(3*angle) + 0.05*c.noise.Rand()
	return math.Max(0, math.Min(1, refl)), 0, 1
}

func (c *syntheticCursor) cloudFrame(at func(i int, phase float64) (a, b, d float64), phase float64) *wire.Frame {
	values := make([]float32, c.points*3)
	for i := 0; i < c.points; i++ {
		a, b, d := at(i, phase)
		values[3*i] = float32(a)
		values[3*i+1] = float32(b)
		values[3*i+2] = float32(d)
	}
	return &wire.Frame{
		Kind:   c.kind,
		Shape0: uint32(c.points),
		Shape1: 3,
		Values: values,
	}
}

// combinedFrame interleaves clip-space coordinates and reflectivity
// from the image grid into one flat array: x, y, z, reflectivity per
// cell, row-major. Shape1 is zero because the payload is
// one-dimensional.
func (c *syntheticCursor) combinedFrame(phase float64) *wire.Frame {
	values := make([]float32, c.rows*c.cols*4)
	for row := 0; row < c.rows; row++ {
		y := 1 - 2*float64(row)/float64(c.rows-1)
		for col := 0; col < c.cols; col++ {
			x := -1 + 2*float64(col)/float64(c.cols-1)
			z := normalizeValue(c.rangeAt(row, col, phase), 0, 40, -1, 1, 1)
			refl := normalizeValue(c.reflectivityAt(row, col, phase), 0, 255, 0, 1, 8)

			i := 4 * (row*c.cols + col)
			values[i] = float32(x)
			values[i+1] = float32(y)
			values[i+2] = float32(z)
			values[i+3] = float32(refl)
		}
	}
	return &wire.Frame{
		Kind:   c.kind,
		Shape0: uint32(len(values)),
		Shape1: 0,
		Values: values,
	}
}

// normalizeValue linearly maps v from the source range to the target
// range, then applies a contrast gain clamped at the target ceiling.
func normalizeValue(v, srcMin, srcMax, dstMin, dstMax, contrast float64) float64 {
	scaled := dstMin + (v-srcMin)*(dstMax-dstMin)/(srcMax-srcMin)
	return math.Min(scaled*contrast, dstMax)
}
