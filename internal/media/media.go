// Package media turns a video file into a playable handle with a "current frame".
//
// A Handle decodes frames on its own goroutine, paced at the stream's frame rate,
// and keeps only the most recent one. Callers sample it with Frame.
package media

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/pkg/errors"
)

var (
	// ErrNotVideo is returned by Open when the file cannot be probed as a video.
	ErrNotVideo = errors.New("not a decodable video")
	// ErrDecode is reported when frame decoding fails after the handle was opened.
	ErrDecode = errors.New("video decode failed")
)

// defaultFPS paces playback when the container does not report a usable rate.
const defaultFPS = 25.0

// State is the playback state of a Handle.
type State int

const (
	Paused State = iota
	Playing
	Ended
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Ended:
		return "ended"
	default:
		return "paused"
	}
}

// Info describes the intrinsic properties of the video stream.
type Info struct {
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	FPS      float64       `json:"fps"`
	Duration time.Duration `json:"duration"`
}

// Size returns the intrinsic frame size.
func (i Info) Size() types.Size {
	return types.Size{Width: i.Width, Height: i.Height}
}

// Prober reads stream metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FrameReader yields decoded frames in order and returns io.EOF at the end of the stream.
type FrameReader interface {
	ReadFrame() (image.Image, error)
	Close() error
}

// Decoder opens a FrameReader positioned at from.
type Decoder interface {
	Open(ctx context.Context, path string, from time.Duration, info Info) (FrameReader, error)
}

// FrameGrabber is an optional Decoder extension for decoding a single frame cheaply.
type FrameGrabber interface {
	Grab(ctx context.Context, path string, at time.Duration) (image.Image, error)
}

// Options configures Open.
type Options struct {
	// Loop restarts playback at the beginning when the stream ends.
	Loop bool
	// OnEnd is invoked (on its own goroutine) when playback stops without a Pause call:
	// nil at end of stream, an error wrapping ErrDecode on decoder failure.
	OnEnd   func(err error)
	Prober  Prober
	Decoder Decoder
}

// Handle is a loaded video resource.
type Handle struct {
	ID   string
	Path string
	URI  string
	Info Info

	opts Options

	mu     sync.Mutex
	state  State
	pos    time.Duration
	frame  image.Image
	err    error
	seg    uint64
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Open validates and probes path. The returned handle is ready: its intrinsic size is known.
func Open(ctx context.Context, path string, opts Options) (*Handle, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to access input file")
	}
	if fi.IsDir() {
		return nil, errors.Errorf("%s is a directory, expected a video file", path)
	}

	if opts.Prober == nil {
		opts.Prober = FFProbe{}
	}
	if opts.Decoder == nil {
		opts.Decoder = FFmpegDecoder{}
	}

	info, err := opts.Prober.Probe(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(ErrNotVideo, "%s: %v", filepath.Base(path), err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, errors.Wrapf(ErrNotVideo, "%s: invalid dimensions %dx%d", filepath.Base(path), info.Width, info.Height)
	}
	if info.FPS <= 0 {
		info.FPS = defaultFPS
	}

	id, err := utils.GenerateVideoID(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate video id")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Handle{
		ID:   id,
		Path: path,
		URI:  "file://" + filepath.ToSlash(abs),
		Info: info,
		opts: opts,
	}, nil
}

// State returns the current playback state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Position returns the presentation time of the current frame.
func (h *Handle) Position() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Err returns the last decode error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Frame returns the most recently decoded frame. ok is false until a frame exists.
func (h *Handle) Frame() (img image.Image, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame, h.frame != nil
}

// Play starts or resumes playback. Playing an ended handle restarts from the beginning.
func (h *Handle) Play() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New("media handle is closed")
	}
	if h.state == Playing {
		return nil
	}
	if h.state == Ended {
		h.pos = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	r, err := h.opts.Decoder.Open(ctx, h.Path, h.pos, h.Info)
	if err != nil {
		cancel()
		h.err = errors.Wrap(ErrDecode, err.Error())
		return h.err
	}

	h.seg++
	h.cancel = cancel
	h.done = make(chan struct{})
	h.state = Playing
	h.err = nil
	go h.run(ctx, h.seg, r, h.done)
	return nil
}

// Pause stops decoding and keeps the current frame and position.
// It returns once the decoder goroutine has exited.
func (h *Handle) Pause() {
	h.mu.Lock()
	if h.state != Playing {
		h.mu.Unlock()
		return
	}
	h.state = Paused
	h.seg++
	h.cancel()
	done := h.done
	h.mu.Unlock()

	<-done
}

// Seek decodes the single frame at `at` and makes it current. The handle must not be playing.
func (h *Handle) Seek(ctx context.Context, at time.Duration) error {
	if h.State() == Playing {
		return errors.New("cannot seek while playing")
	}
	if at < 0 || (h.Info.Duration > 0 && at > h.Info.Duration) {
		return errors.Errorf("seek position %s outside [0, %s]", at, h.Info.Duration)
	}

	img, err := h.grab(ctx, at)
	if err != nil {
		return errors.Wrapf(ErrDecode, "frame at %s: %v", at, err)
	}

	h.mu.Lock()
	h.frame = img
	h.pos = at
	if h.state == Ended {
		h.state = Paused
	}
	h.mu.Unlock()
	return nil
}

func (h *Handle) grab(ctx context.Context, at time.Duration) (image.Image, error) {
	if g, ok := h.opts.Decoder.(FrameGrabber); ok {
		return g.Grab(ctx, h.Path, at)
	}
	r, err := h.opts.Decoder.Open(ctx, h.Path, at, h.Info)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadFrame()
}

// Close stops playback and releases the handle.
func (h *Handle) Close() error {
	h.Pause()
	h.mu.Lock()
	h.closed = true
	h.frame = nil
	h.mu.Unlock()
	return nil
}

// run is the decoder loop for one play segment. It only mutates state while seg is current.
func (h *Handle) run(ctx context.Context, seg uint64, r FrameReader, done chan struct{}) {
	defer close(done)
	defer func() { r.Close() }()

	period := time.Duration(float64(time.Second) / h.Info.FPS)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		img, err := r.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) && h.opts.Loop {
				r.Close()
				next, oerr := h.opts.Decoder.Open(ctx, h.Path, 0, h.Info)
				if oerr == nil {
					r = next
					h.mu.Lock()
					if h.seg == seg {
						h.pos = 0
					}
					h.mu.Unlock()
					continue
				}
				r, err = nopReader{}, oerr
			}
			h.finish(seg, err)
			return
		}

		h.mu.Lock()
		if h.seg != seg {
			h.mu.Unlock()
			return
		}
		h.frame = img
		h.pos += period
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handle) finish(seg uint64, err error) {
	h.mu.Lock()
	if h.seg != seg {
		h.mu.Unlock()
		return
	}
	h.seg++
	h.cancel()
	var endErr error
	if errors.Is(err, io.EOF) {
		h.state = Ended
	} else {
		h.state = Paused
		h.err = errors.Wrap(ErrDecode, err.Error())
		endErr = h.err
	}
	h.mu.Unlock()

	if h.opts.OnEnd != nil {
		go h.opts.OnEnd(endErr)
	}
}

type nopReader struct{}

func (nopReader) ReadFrame() (image.Image, error) { return nil, io.EOF }
func (nopReader) Close() error                    { return nil }
