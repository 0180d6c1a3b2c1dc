package detect

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facecanvas/internal/types"
	pigo "github.com/esimov/pigo/core"
	"github.com/rs/zerolog/log"
)

const (
	faceCascadeFile  = "facefinder"
	pupilCascadeFile = "puploc"
	pupilPerturbs    = 63
)

func init() {
	Register("pigo", func(cfg Config) (Detector, error) { return NewPigo(cfg), nil })
}

// Pigo runs the pigo pixel-intensity cascade in process. Landmarks are the two pupils,
// available when the puploc cascade sits next to facefinder.
type Pigo struct {
	cfg Config

	mu    sync.RWMutex
	face  *pigo.Pigo
	pupil *pigo.PuplocCascade
}

func NewPigo(cfg Config) *Pigo {
	return &Pigo{cfg: cfg}
}

func (p *Pigo) Name() string { return "pigo" }

func (p *Pigo) Capabilities() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Options{Landmarks: p.pupil != nil}
}

// Load unpacks the cascades from the models directory.
func (p *Pigo) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	facePath := filepath.Join(p.cfg.ModelsDir, faceCascadeFile)
	data, err := os.ReadFile(facePath)
	if err != nil {
		return mark(ErrModelLoad, err, "reading %s", facePath)
	}
	face, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return mark(ErrModelLoad, err, "unpacking %s", facePath)
	}

	var pupil *pigo.PuplocCascade
	pupilPath := filepath.Join(p.cfg.ModelsDir, pupilCascadeFile)
	if data, err := os.ReadFile(pupilPath); err == nil {
		pupil, err = pigo.NewPuplocCascade().UnpackCascade(data)
		if err != nil {
			return mark(ErrModelLoad, err, "unpacking %s", pupilPath)
		}
	} else {
		log.Debug().Str("path", pupilPath).Msg("pupil cascade not found, landmarks disabled")
	}

	p.mu.Lock()
	p.face, p.pupil = face, pupil
	p.mu.Unlock()

	log.Info().Str("models", p.cfg.ModelsDir).Bool("landmarks", pupil != nil).Msg("pigo cascades loaded")
	return nil
}

// Detect runs the cascade over a grayscale copy of img.
func (p *Pigo) Detect(ctx context.Context, img image.Image, opts Options) ([]Result, error) {
	p.mu.RLock()
	face, pupil := p.face, p.pupil
	p.mu.RUnlock()

	if face == nil {
		return nil, ErrNotLoaded
	}
	if err := opts.Validate(Options{Landmarks: pupil != nil}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, mark(ErrDetection, err, "")
	}

	src := pigo.ImgToNRGBA(img)
	pixels := pigo.RgbToGrayscale(src)
	cols, rows := src.Bounds().Max.X, src.Bounds().Max.Y

	params := pigo.CascadeParams{
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
		ShiftFactor: p.cfg.ShiftFactor,
		ScaleFactor: p.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	// The result contains quadruplets representing the row, column, scale and detection score.
	dets := face.RunCascade(params, 0.0)
	dets = face.ClusterDetections(dets, p.cfg.IoUThreshold)

	var results []Result
	for _, det := range dets {
		if float64(det.Q) < p.cfg.QualityThreshold {
			continue
		}
		// Pigo reports a square centered on (Col, Row) with side Scale
		r := Result{
			Box: types.Box{
				X:      float64(det.Col - det.Scale/2),
				Y:      float64(det.Row - det.Scale/2),
				Width:  float64(det.Scale),
				Height: float64(det.Scale),
			},
			Score: float64(det.Q),
		}
		if opts.Landmarks {
			r.Landmarks = pupils(pupil, det, params.ImageParams)
		}
		results = append(results, r)
	}
	return results, nil
}

// pupils locates the left and right pupil inside a face detection.
func pupils(plc *pigo.PuplocCascade, det pigo.Detection, img pigo.ImageParams) []types.Point {
	var points []types.Point
	scale := float32(det.Scale)

	left := &pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: pupilPerturbs,
	}
	if eye := plc.RunDetector(*left, img, 0.0, false); eye != nil && eye.Row > 0 && eye.Col > 0 {
		points = append(points, types.Point{X: float64(eye.Col), Y: float64(eye.Row)})
	}

	right := &pigo.Puploc{
		Row:      det.Row - int(0.075*scale),
		Col:      det.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: pupilPerturbs,
	}
	if eye := plc.RunDetector(*right, img, 0.0, false); eye != nil && eye.Row > 0 && eye.Col > 0 {
		points = append(points, types.Point{X: float64(eye.Col), Y: float64(eye.Row)})
	}
	return points
}

func (p *Pigo) Close() error {
	p.mu.Lock()
	p.face, p.pupil = nil, nil
	p.mu.Unlock()
	return nil
}
