package mask

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// Mode selects what a stroke paints: ink marks pixels as included (white),
// erase marks them excluded (black).
type Mode int

const (
	ModeInk Mode = iota
	ModeErase
)

// DefaultBrush is the stroke width used until the caller picks one.
const DefaultBrush = 32.0

// Editor composites freehand strokes into a persistent single-channel buffer
// sized to the natural resolution of the original asset. Pointer events are
// taken in display-space coordinates and converted to natural space per
// axis, so the produced mask aligns pixel-for-pixel with the original no
// matter what size the surface is rendered at.
type Editor struct {
	buf      *image.Gray
	naturalW int
	naturalH int
	displayW float64
	displayH float64
	brush    float64
	mode     Mode
	prev     *point
}

type point struct {
	x float64
	y float64
}

// New creates an editor whose buffer matches the given natural resolution.
// The buffer starts fully excluded (black). The display size defaults to the
// natural size until SetDisplaySize is called.
func New(naturalW, naturalH int) (*Editor, error) {
	if naturalW <= 0 || naturalH <= 0 {
		return nil, fmt.Errorf("mask: invalid natural size %dx%d", naturalW, naturalH)
	}
	return &Editor{
		buf:      image.NewGray(image.Rect(0, 0, naturalW, naturalH)),
		naturalW: naturalW,
		naturalH: naturalH,
		displayW: float64(naturalW),
		displayH: float64(naturalH),
		brush:    DefaultBrush,
	}, nil
}

// NewFromOriginal sizes the editor from the encoded original image, keeping
// the buffer at the asset's natural pixel dimensions even when the paint
// surface shows a downscaled preview.
func NewFromOriginal(data []byte) (*Editor, error) {
	w, h, err := NaturalBounds(data)
	if err != nil {
		return nil, err
	}
	return New(w, h)
}

// NaturalBounds decodes only the image header and returns the natural pixel
// dimensions.
func NaturalBounds(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("mask: decode image bounds: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Size returns the natural buffer dimensions.
func (e *Editor) Size() (int, int) {
	return e.naturalW, e.naturalH
}

// SetDisplaySize records the size the surface is currently rendered at.
func (e *Editor) SetDisplaySize(w, h float64) error {
	if w <= 0 || h <= 0 {
		return errors.New("mask: display size must be positive")
	}
	e.displayW = w
	e.displayH = h
	return nil
}

// SetBrush sets the stroke width (the diameter of the painted dot).
func (e *Editor) SetBrush(size float64) {
	if size > 0 {
		e.brush = size
	}
}

// SetMode switches between ink and erase.
func (e *Editor) SetMode(m Mode) {
	e.mode = m
}

// toNatural converts a display-space coordinate to natural space,
// independently per axis.
func (e *Editor) toNatural(x, y float64) point {
	return point{
		x: x * (float64(e.naturalW) / e.displayW),
		y: y * (float64(e.naturalH) / e.displayH),
	}
}

// PointerDown begins a stroke. A bare press with no movement still paints a
// filled circle of the brush diameter.
func (e *Editor) PointerDown(x, y float64) {
	p := e.toNatural(x, y)
	e.stampSegment(p, p)
	e.prev = &p
}

// PointerMove extends the active stroke with a segment from the previous
// point. A move without a preceding press starts a stroke.
func (e *Editor) PointerMove(x, y float64) {
	p := e.toNatural(x, y)
	if e.prev == nil {
		e.stampSegment(p, p)
	} else {
		e.stampSegment(*e.prev, p)
	}
	e.prev = &p
}

// PointerUp ends the active stroke.
func (e *Editor) PointerUp() {
	e.prev = nil
}

// Clear resets the whole buffer to excluded. It is the only undo mechanism;
// compositing is otherwise cumulative and destructive.
func (e *Editor) Clear() {
	for i := range e.buf.Pix {
		e.buf.Pix[i] = 0
	}
	e.prev = nil
}

// stampSegment paints the capsule covered by sweeping the round brush from
// a to b: every pixel whose center lies within brush/2 of the segment. A
// zero-length segment degenerates to a filled circle.
func (e *Editor) stampSegment(a, b point) {
	r := e.brush / 2
	v := uint8(255)
	if e.mode == ModeErase {
		v = 0
	}

	minX := int(math.Floor(math.Min(a.x, b.x) - r))
	maxX := int(math.Ceil(math.Max(a.x, b.x) + r))
	minY := int(math.Floor(math.Min(a.y, b.y) - r))
	maxY := int(math.Ceil(math.Max(a.y, b.y) + r))
	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX > e.naturalW-1 {
		maxX = e.naturalW - 1
	}
	if maxY > e.naturalH-1 {
		maxY = e.naturalH - 1
	}

	for py := minY; py <= maxY; py++ {
		for px := minX; px <= maxX; px++ {
			c := point{x: float64(px) + 0.5, y: float64(py) + 0.5}
			if distToSegment(c, a, b) <= r {
				e.buf.Pix[py*e.buf.Stride+px] = v
			}
		}
	}
}

// distToSegment returns the distance from p to the closest point of the
// segment ab.
func distToSegment(p, a, b point) float64 {
	dx := b.x - a.x
	dy := b.y - a.y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.x-a.x, p.y-a.y)
	}
	t := ((p.x-a.x)*dx + (p.y-a.y)*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(p.x-(a.x+t*dx), p.y-(a.y+t*dy))
}

// Encode reads the buffer back, applies the hard binary threshold
// (luminance above 127 becomes 255, anything else 0) and returns a lossless
// PNG. Encoding is deterministic, so saving twice without further strokes
// yields identical bytes.
func (e *Editor) Encode() ([]byte, error) {
	out := image.NewGray(e.buf.Bounds())
	for i, v := range e.buf.Pix {
		if v > 127 {
			out.Pix[i] = 255
		} else {
			out.Pix[i] = 0
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("mask: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Overlay renders the mask scaled to the given display size for compositing
// over the paint surface. Included pixels come back as translucent white,
// excluded pixels fully transparent.
func (e *Editor) Overlay(w, h int) (*image.NRGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, errors.New("mask: overlay size must be positive")
	}
	tinted := image.NewNRGBA(e.buf.Bounds())
	for y := 0; y < e.naturalH; y++ {
		for x := 0; x < e.naturalW; x++ {
			if e.buf.Pix[y*e.buf.Stride+x] > 127 {
				tinted.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 128})
			}
		}
	}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), tinted, tinted.Bounds(), xdraw.Over, nil)
	return out, nil
}
