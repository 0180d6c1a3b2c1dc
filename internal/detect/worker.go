package detect

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"

	"github.com/andresmejia3/facecanvas/internal/worker"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const workerJPEGQuality = 90

func init() {
	Register("worker", func(cfg Config) (Detector, error) { return NewWorker(cfg), nil })
}

// frameProcessor is the part of worker.PythonWorker the backend uses.
type frameProcessor interface {
	ProcessFrame(ctx context.Context, frame []byte, flags worker.Flags) ([]Result, error)
	Close()
}

// Worker delegates detection to the external inference process, which provides
// boxes, landmarks, descriptors and expressions. Calls are serialized since the
// pipe protocol is strictly request/response.
type Worker struct {
	cfg Config

	mu     sync.Mutex
	proc   frameProcessor
	loaded bool

	// start is swapped in tests
	start func(ctx context.Context, cfg worker.Config) (frameProcessor, error)
}

func NewWorker(cfg Config) *Worker {
	return &Worker{cfg: cfg, start: startPython}
}

func startPython(ctx context.Context, cfg worker.Config) (frameProcessor, error) {
	return worker.NewPythonWorker(ctx, 0, cfg)
}

func (w *Worker) Name() string { return "worker" }

func (w *Worker) Capabilities() Options {
	return Options{Landmarks: true, Descriptors: true, Expressions: true}
}

// Load starts the process and pushes a blank frame through it so that import or
// weight-loading failures surface here rather than on the first tick.
func (w *Worker) Load(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.proc != nil {
		return nil
	}
	if err := w.launchLocked(ctx); err != nil {
		return err
	}
	w.loaded = true
	return nil
}

func (w *Worker) launchLocked(ctx context.Context) error {
	// The process outlives the load call; only Close stops it
	proc, err := w.start(context.WithoutCancel(ctx), worker.Config{
		Command:     w.cfg.WorkerCommand,
		ModelsDir:   w.cfg.ModelsDir,
		ReadTimeout: w.cfg.WorkerTimeout,
	})
	if err != nil {
		return mark(ErrModelLoad, err, "starting worker")
	}

	blank, err := encodeJPEG(image.NewGray(image.Rect(0, 0, 8, 8)))
	if err != nil {
		proc.Close()
		return mark(ErrModelLoad, err, "")
	}
	if _, err := proc.ProcessFrame(ctx, blank, 0); err != nil {
		proc.Close()
		return mark(ErrModelLoad, err, "worker warmup")
	}

	w.proc = proc
	log.Info().Strs("command", w.cfg.WorkerCommand).Msg("inference worker ready")
	return nil
}

// Detect sends one frame. A failed exchange discards the process, since its pipe may
// still carry the abandoned reply; the next call starts a fresh one.
func (w *Worker) Detect(ctx context.Context, img image.Image, opts Options) ([]Result, error) {
	if err := opts.Validate(w.Capabilities()); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.loaded {
		return nil, ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, mark(ErrDetection, err, "")
	}
	if w.proc == nil {
		log.Warn().Msg("restarting inference worker")
		if err := w.launchLocked(ctx); err != nil {
			return nil, mark(ErrDetection, err, "")
		}
	}

	frame, err := encodeJPEG(img)
	if err != nil {
		return nil, mark(ErrDetection, err, "")
	}

	var flags worker.Flags
	if opts.Landmarks {
		flags |= worker.FlagLandmarks
	}
	if opts.Descriptors {
		flags |= worker.FlagDescriptors
	}
	if opts.Expressions {
		flags |= worker.FlagExpressions
	}

	results, err := w.proc.ProcessFrame(ctx, frame, flags)
	if err != nil {
		var remote *worker.RemoteError
		if !errors.As(err, &remote) {
			w.proc.Close()
			w.proc = nil
		}
		return nil, mark(ErrDetection, err, "")
	}
	return results, nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc != nil {
		w.proc.Close()
		w.proc = nil
	}
	w.loaded = false
	return nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: workerJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
