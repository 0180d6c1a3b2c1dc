// Package overlay holds the retained set of shapes drawn over the video and
// composites them onto frames with gg.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

// ErrEmptySurface is returned when rendering a canvas that has not been sized yet.
var ErrEmptySurface = errors.New("overlay canvas has no size")

// Shape is one non-interactive primitive in display coordinates.
type Shape struct {
	Kind        string  `json:"kind"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
}

const KindRect = "rect"

// Rect builds an outlined rectangle shape.
func Rect(x, y, width, height float64, stroke string, strokeWidth float64) Shape {
	return Shape{Kind: KindRect, X: x, Y: y, Width: width, Height: height, Stroke: stroke, StrokeWidth: strokeWidth}
}

// Canvas is a drawing surface with a retained list of shapes. It is safe for concurrent use.
type Canvas struct {
	mu     sync.RWMutex
	size   types.Size
	shapes []Shape
}

// New returns a canvas of the given size with no shapes.
func New(width, height int) *Canvas {
	return &Canvas{size: types.Size{Width: width, Height: height}}
}

// Resize sets the surface dimensions. Existing shapes are dropped since their
// coordinates belong to the old size.
func (c *Canvas) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = types.Size{Width: width, Height: height}
	c.shapes = nil
}

// Size returns the surface dimensions.
func (c *Canvas) Size() types.Size {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// AddRectangle appends one outlined rectangle.
func (c *Canvas) AddRectangle(x, y, width, height float64, stroke string, strokeWidth float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes = append(c.shapes, Rect(x, y, width, height, stroke, strokeWidth))
}

// Clear removes all shapes.
func (c *Canvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes = nil
}

// Replace clears the canvas and adds shapes as one step; readers never observe a half-drawn tick.
func (c *Canvas) Replace(shapes []Shape) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shapes = append([]Shape(nil), shapes...)
}

// Shapes returns a copy of the current shapes.
func (c *Canvas) Shapes() []Shape {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Shape{}, c.shapes...)
}

// Len returns the number of shapes.
func (c *Canvas) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shapes)
}

// Render composites frame (scaled to the surface size, may be nil) and the current shapes.
func (c *Canvas) Render(frame image.Image) (image.Image, error) {
	dc, err := c.draw(frame)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// EncodeJPEG renders and writes a JPEG.
func (c *Canvas) EncodeJPEG(w io.Writer, frame image.Image, quality int) error {
	img, err := c.Render(frame)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// EncodePNG renders and writes a PNG.
func (c *Canvas) EncodePNG(w io.Writer, frame image.Image) error {
	dc, err := c.draw(frame)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

func (c *Canvas) draw(frame image.Image) (*gg.Context, error) {
	c.mu.RLock()
	size := c.size
	shapes := append([]Shape(nil), c.shapes...)
	c.mu.RUnlock()

	if size.Empty() {
		return nil, ErrEmptySurface
	}

	dc := gg.NewContext(size.Width, size.Height)
	if frame != nil {
		b := frame.Bounds()
		if b.Dx() > 0 && b.Dy() > 0 {
			dc.Push()
			dc.Scale(float64(size.Width)/float64(b.Dx()), float64(size.Height)/float64(b.Dy()))
			dc.DrawImage(frame, -b.Min.X, -b.Min.Y)
			dc.Pop()
		}
	}

	for _, s := range shapes {
		col, err := ParseColor(s.Stroke)
		if err != nil {
			col = color.RGBA{R: 255, A: 255}
		}
		dc.DrawRectangle(s.X, s.Y, s.Width, s.Height)
		dc.SetLineWidth(s.StrokeWidth)
		dc.SetStrokeStyle(gg.NewSolidPattern(col))
		dc.Stroke()
	}
	return dc, nil
}

var namedColors = map[string]color.RGBA{
	"green":  {G: 128, A: 255},
	"lime":   {G: 255, A: 255},
	"blue":   {B: 255, A: 255},
	"red":    {R: 255, A: 255},
	"yellow": {R: 255, G: 255, A: 255},
	"white":  {R: 255, G: 255, B: 255, A: 255},
	"black":  {A: 255},
}

// ParseColor accepts a CSS-style name from a small palette or #rrggbb.
func ParseColor(s string) (color.Color, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	if strings.HasPrefix(s, "#") && len(s) == 7 {
		var r, g, b uint8
		if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err == nil {
			return color.RGBA{R: r, G: g, B: b, A: 255}, nil
		}
	}
	return nil, errors.Errorf("unknown color %q (use a name or #rrggbb)", s)
}
