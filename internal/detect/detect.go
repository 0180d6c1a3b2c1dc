// Package detect defines the face-detection capability the poller depends on
// and the backends that provide it.
package detect

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/pkg/errors"
)

var (
	ErrModelLoad   = errors.New("model load failed")
	ErrDetection   = errors.New("face detection failed")
	ErrUnsupported = errors.New("capability not supported by backend")
	ErrNotLoaded   = errors.New("detector models not loaded")
)

// mark tags cause with one of the kinds above. Both stay reachable through errors.Is and errors.As.
func mark(kind, cause error, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("%w: %w", kind, cause)
	}
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// Result is one detected face.
type Result = types.FaceResult

// Options selects the optional outputs requested alongside the bounding boxes.
type Options struct {
	Landmarks   bool `json:"landmarks"`
	Descriptors bool `json:"descriptors"`
	Expressions bool `json:"expressions"`
}

// Validate reports ErrUnsupported for any requested output the capability set lacks.
func (o Options) Validate(caps Options) error {
	var missing []string
	if o.Landmarks && !caps.Landmarks {
		missing = append(missing, "landmarks")
	}
	if o.Descriptors && !caps.Descriptors {
		missing = append(missing, "descriptors")
	}
	if o.Expressions && !caps.Expressions {
		missing = append(missing, "expressions")
	}
	if len(missing) > 0 {
		return errors.Wrap(ErrUnsupported, strings.Join(missing, ", "))
	}
	return nil
}

// Detector finds faces in a frame. Load must succeed before Detect.
type Detector interface {
	Name() string
	// Capabilities reports which optional outputs Detect can produce. Only meaningful after Load.
	Capabilities() Options
	Load(ctx context.Context) error
	Detect(ctx context.Context, img image.Image, opts Options) ([]Result, error)
	Close() error
}

// Config carries the tunables shared by all backends.
type Config struct {
	ModelsDir string

	// Cascade parameters (pigo)
	MinSize          int
	MaxSize          int
	ShiftFactor      float64
	ScaleFactor      float64
	IoUThreshold     float64
	QualityThreshold float64

	// Worker backend
	WorkerCommand []string
	WorkerTimeout time.Duration
}

// DefaultConfig returns parameters tuned for the fast single-pass cascade.
func DefaultConfig() Config {
	return Config{
		ModelsDir:        "models",
		MinSize:          20,
		MaxSize:          1000,
		ShiftFactor:      0.1,
		ScaleFactor:      1.1,
		IoUThreshold:     0.2,
		QualityThreshold: 5.0,
		WorkerCommand:    []string{"python3", "-u", "python/worker.py"},
		WorkerTimeout:    30 * time.Second,
	}
}

// Factory builds a backend from config.
type Factory func(cfg Config) (Detector, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Factory{}
)

// Register makes a backend available to New. Backends compiled behind build tags register in init.
func Register(name string, f Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the named backend.
func New(name string, cfg Config) (Detector, error) {
	backendsMu.RLock()
	f, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		if name == "haar" {
			return nil, errors.New("backend haar is not compiled in (build with -tags gocv)")
		}
		return nil, errors.Errorf("unknown detector backend %q (available: %s)", name, strings.Join(Backends(), ", "))
	}
	return f(cfg)
}

// Resize rescales results from source-frame coordinates to a target surface.
// X and width scale by to.Width/from.Width; Y and height by to.Height/from.Height.
func Resize(results []Result, from, to types.Size) []Result {
	if from.Empty() {
		return nil
	}
	sx := float64(to.Width) / float64(from.Width)
	sy := float64(to.Height) / float64(from.Height)

	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = r
		out[i].Box = types.Box{
			X:      r.Box.X * sx,
			Y:      r.Box.Y * sy,
			Width:  r.Box.Width * sx,
			Height: r.Box.Height * sy,
		}
		if len(r.Landmarks) > 0 {
			out[i].Landmarks = make([]types.Point, len(r.Landmarks))
			for j, p := range r.Landmarks {
				out[i].Landmarks[j] = types.Point{X: p.X * sx, Y: p.Y * sy}
			}
		}
	}
	return out
}
