//go:build gocv

package detect

import (
	"context"
	"image"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

const (
	haarFaceFile = "haarcascade_frontalface_default.xml"
	haarEyeFile  = "haarcascade_eye.xml"
)

func init() {
	Register("haar", func(cfg Config) (Detector, error) { return NewHaar(cfg), nil })
}

// Haar runs OpenCV's cascade classifiers. Landmarks are eye centers, found with the
// eye cascade inside each face region when it is present.
type Haar struct {
	cfg Config

	mu     sync.Mutex
	loaded bool
	face   gocv.CascadeClassifier
	eye    *gocv.CascadeClassifier
}

func NewHaar(cfg Config) *Haar {
	return &Haar{cfg: cfg}
}

func (h *Haar) Name() string { return "haar" }

func (h *Haar) Capabilities() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Options{Landmarks: h.eye != nil}
}

func (h *Haar) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}

	dir := filepath.Join(h.cfg.ModelsDir, "haarcascades")
	face := gocv.NewCascadeClassifier()
	if !face.Load(filepath.Join(dir, haarFaceFile)) {
		face.Close()
		return errors.Wrapf(ErrModelLoad, "loading %s", filepath.Join(dir, haarFaceFile))
	}

	eye := gocv.NewCascadeClassifier()
	if eye.Load(filepath.Join(dir, haarEyeFile)) {
		h.eye = &eye
	} else {
		eye.Close()
		log.Debug().Str("dir", dir).Msg("eye cascade not found, landmarks disabled")
	}

	h.face = face
	h.loaded = true
	log.Info().Str("models", dir).Bool("landmarks", h.eye != nil).Msg("haar cascades loaded")
	return nil
}

func (h *Haar) Detect(ctx context.Context, img image.Image, opts Options) ([]Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.loaded {
		return nil, ErrNotLoaded
	}
	if err := opts.Validate(Options{Landmarks: h.eye != nil}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, mark(ErrDetection, err, "")
	}

	rgb, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, mark(ErrDetection, err, "")
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	var results []Result
	for _, r := range h.face.DetectMultiScale(gray) {
		size := r.Size()
		if size.X < h.cfg.MinSize || (h.cfg.MaxSize > 0 && size.X > h.cfg.MaxSize) {
			continue
		}
		res := Result{
			Box: types.Box{
				X:      float64(r.Min.X),
				Y:      float64(r.Min.Y),
				Width:  float64(size.X),
				Height: float64(size.Y),
			},
			Score: 1,
		}
		if opts.Landmarks {
			roi := gray.Region(r)
			for _, e := range h.eye.DetectMultiScale(roi) {
				res.Landmarks = append(res.Landmarks, types.Point{
					X: float64(r.Min.X + (e.Min.X+e.Max.X)/2),
					Y: float64(r.Min.Y + (e.Min.Y+e.Max.Y)/2),
				})
			}
			roi.Close()
		}
		results = append(results, res)
	}
	return results, nil
}

func (h *Haar) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return nil
	}
	h.face.Close()
	if h.eye != nil {
		h.eye.Close()
		h.eye = nil
	}
	h.loaded = false
	return nil
}
