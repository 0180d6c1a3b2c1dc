// Package playback owns one video session: the media handle, the overlay canvas,
// the detection poller and the play/pause state machine tying them together.
package playback

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/media"
	"github.com/andresmejia3/facecanvas/internal/overlay"
	"github.com/andresmejia3/facecanvas/internal/poller"
	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoMedia = errors.New("no video loaded")
	ErrClosed  = errors.New("session closed")
	ErrPlaying = errors.New("session is playing")
)

const recordTimeout = 5 * time.Second

type State int

const (
	Stopped State = iota
	Playing
	Failed
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Failed:
		return "failed"
	default:
		return "stopped"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*s = Stopped
	case "playing":
		*s = Playing
	case "failed":
		*s = Failed
	default:
		return errors.Errorf("unknown session state %q", b)
	}
	return nil
}

// Notification event names.
const (
	EventState   = "state"
	EventOverlay = "overlay"
)

// NotifyFunc receives EventState with a Status and EventOverlay with []overlay.Shape.
// It is called with session locks held and must not block.
type NotifyFunc func(event string, data any)

// Recorder persists session bookkeeping. Implemented by store.Store.
type Recorder interface {
	EnsureVideoMetadata(ctx context.Context, id, path string, width, height int, fps float64, duration time.Duration) error
	StartPlayback(ctx context.Context, id uuid.UUID, videoID, backend string) error
	FinishPlayback(ctx context.Context, id uuid.UUID, ticks, faces int, errMsg string) error
}

type Config struct {
	Interval    time.Duration
	Stroke      string
	StrokeWidth float64
	// Display overrides the canvas size. Zero means the video's intrinsic size.
	Display types.Size
	Detect  detect.Options
	Loop    bool

	DetectTimeout time.Duration
	// MaxConsecutiveFailures moves the session to Failed. Zero disables the limit.
	MaxConsecutiveFailures int

	// Injected into media.Open; nil uses ffprobe/ffmpeg.
	Prober  media.Prober
	Decoder media.Decoder
}

func DefaultConfig() Config {
	return Config{
		Interval:               100 * time.Millisecond,
		Stroke:                 "blue",
		StrokeWidth:            4,
		Loop:                   true,
		DetectTimeout:          5 * time.Second,
		MaxConsecutiveFailures: 10,
	}
}

type Option func(*Session)

func WithRecorder(r Recorder) Option { return func(s *Session) { s.recorder = r } }

func WithNotify(fn NotifyFunc) Option { return func(s *Session) { s.notify = fn } }

// VideoStatus describes the loaded media.
type VideoStatus struct {
	ID       string        `json:"id"`
	URI      string        `json:"uri"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	FPS      float64       `json:"fps"`
	Duration time.Duration `json:"duration"`
	Position time.Duration `json:"position"`
	Media    string        `json:"media"`
}

type Status struct {
	State   State        `json:"state"`
	Label   string       `json:"label"`
	Video   *VideoStatus `json:"video,omitempty"`
	Canvas  types.Size   `json:"canvas"`
	Shapes  int          `json:"shapes"`
	Ticks   int          `json:"ticks"`
	Faces   int          `json:"faces"`
	Backend string       `json:"backend"`
	Error   string       `json:"error,omitempty"`

	Err error `json:"-"`
}

type Session struct {
	cfg      Config
	detector detect.Detector
	canvas   *overlay.Canvas
	poller   *poller.Poller
	recorder Recorder
	notify   NotifyFunc

	mu       sync.Mutex
	media    *media.Handle
	state    State
	err      error
	loaded   bool
	closed   bool
	failures int

	// Current playback run
	runID uuid.UUID
	ticks int
	faces int
}

func New(detector detect.Detector, cfg Config, opts ...Option) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultConfig().DetectTimeout
	}
	if cfg.Stroke == "" {
		cfg.Stroke = DefaultConfig().Stroke
	}
	if cfg.StrokeWidth <= 0 {
		cfg.StrokeWidth = DefaultConfig().StrokeWidth
	}

	s := &Session{
		cfg:      cfg,
		detector: detector,
		canvas:   overlay.New(cfg.Display.Width, cfg.Display.Height),
	}
	s.poller = poller.New(cfg.Interval, s.tick)
	s.poller.OnError = s.tickFailed
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Canvas exposes the overlay for rendering. Shapes must only be changed by the session.
func (s *Session) Canvas() *overlay.Canvas { return s.canvas }

// Load replaces the current media with path. Any playback in progress is stopped.
func (s *Session) Load(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state == Playing {
		s.stopLocked(nil)
	}
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
	s.canvas.Clear()

	var h *media.Handle
	h, err := media.Open(ctx, path, media.Options{
		Loop:    s.cfg.Loop,
		Prober:  s.cfg.Prober,
		Decoder: s.cfg.Decoder,
		OnEnd:   func(err error) { s.mediaEnded(h, err) },
	})
	if err != nil {
		s.state = Stopped
		s.err = err
		s.notifyState()
		return err
	}

	size := h.Info.Size()
	if !s.cfg.Display.Empty() {
		size = s.cfg.Display
	}
	s.canvas.Resize(size.Width, size.Height)

	s.media = h
	s.state = Stopped
	s.err = nil

	if s.recorder != nil {
		if err := s.recorder.EnsureVideoMetadata(ctx, h.ID, h.Path, h.Info.Width, h.Info.Height, h.Info.FPS, h.Info.Duration); err != nil {
			log.Warn().Err(err).Str("video", h.ID).Msg("failed to record video metadata")
		}
	}

	log.Info().
		Str("video", h.ID).
		Str("uri", h.URI).
		Int("width", h.Info.Width).
		Int("height", h.Info.Height).
		Float64("fps", h.Info.FPS).
		Msg("video loaded")
	s.notifyState()
	return nil
}

// TogglePlayPause starts playback from Stopped or Failed and stops it from Playing.
func (s *Session) TogglePlayPause(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.statusLocked(), ErrClosed
	}
	if s.media == nil {
		return s.statusLocked(), ErrNoMedia
	}

	var err error
	if s.state == Playing {
		s.stopLocked(nil)
	} else {
		err = s.startLocked(ctx)
	}
	return s.statusLocked(), err
}

func (s *Session) startLocked(ctx context.Context) error {
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.state = Failed
		s.err = err
		s.notifyState()
		return err
	}

	if err := s.media.Play(); err != nil {
		s.state = Failed
		s.err = err
		s.notifyState()
		return err
	}
	if err := s.poller.Start(context.Background()); err != nil {
		s.media.Pause()
		return err
	}

	s.state = Playing
	s.err = nil
	s.failures = 0
	s.runID = uuid.New()
	s.ticks, s.faces = 0, 0

	if s.recorder != nil {
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		if err := s.recorder.StartPlayback(rctx, s.runID, s.media.ID, s.detector.Name()); err != nil {
			log.Warn().Err(err).Msg("failed to record playback start")
		}
		cancel()
	}

	log.Info().Str("session", s.runID.String()).Dur("interval", s.cfg.Interval).Msg("playback started")
	s.notifyState()
	return nil
}

// stopLocked pauses media, invalidates in-flight ticks and clears the overlay.
// A non-nil reason leaves the session Failed.
func (s *Session) stopLocked(reason error) {
	s.poller.Stop()
	if s.media != nil {
		s.media.Pause()
	}
	s.canvas.Clear()

	wasPlaying := s.state == Playing
	if reason != nil {
		s.state = Failed
		s.err = reason
	} else {
		s.state = Stopped
	}

	if wasPlaying && s.recorder != nil {
		msg := ""
		if reason != nil {
			msg = reason.Error()
		}
		rctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := s.recorder.FinishPlayback(rctx, s.runID, s.ticks, s.faces, msg); err != nil {
			log.Warn().Err(err).Msg("failed to record playback finish")
		}
		cancel()
	}

	log.Info().Str("session", s.runID.String()).Int("ticks", s.ticks).Int("faces", s.faces).Str("state", s.state.String()).Msg("playback stopped")
	s.notifyOverlay(nil)
	s.notifyState()
}

// ensureLoadedLocked loads the models once, then checks the requested outputs against
// what the loaded backend can produce.
func (s *Session) ensureLoadedLocked(ctx context.Context) error {
	if !s.loaded {
		start := time.Now()
		if err := s.detector.Load(ctx); err != nil {
			return err
		}
		s.loaded = true
		log.Info().Str("backend", s.detector.Name()).Dur("took", time.Since(start)).Msg("detector models loaded")
	}
	// Capabilities can depend on which model files were found
	return s.cfg.Detect.Validate(s.detector.Capabilities())
}

// tick detects faces on the current frame and commits them if the generation is still live.
func (s *Session) tick(ctx context.Context, tok poller.Token) error {
	s.mu.Lock()
	h := s.media
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	frame, ok := h.Frame()
	if !ok {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DetectTimeout)
	defer cancel()
	results, err := s.detector.Detect(dctx, frame, s.cfg.Detect)
	if err != nil {
		return err
	}

	b := frame.Bounds()
	scaled := detect.Resize(results, types.Size{Width: b.Dx(), Height: b.Dy()}, s.canvas.Size())
	shapes := make([]overlay.Shape, len(scaled))
	for i, r := range scaled {
		shapes[i] = overlay.Rect(r.Box.X, r.Box.Y, r.Box.Width, r.Box.Height, s.cfg.Stroke, s.cfg.StrokeWidth)
	}

	if !s.poller.Commit(tok, func() {
		s.canvas.Replace(shapes)
		s.notifyOverlay(shapes)
	}) {
		log.Debug().Int("faces", len(shapes)).Msg("discarding detection from a stopped run")
		return nil
	}

	s.mu.Lock()
	if s.poller.Valid(tok) {
		s.failures = 0
		s.ticks++
		s.faces += len(shapes)
	}
	s.mu.Unlock()

	log.Debug().Int("faces", len(shapes)).Msg("overlay updated")
	return nil
}

func (s *Session) tickFailed(tok poller.Token, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Errors from a stopped run are cancellations, not failures
	if !s.poller.Valid(tok) || s.state != Playing {
		return
	}
	s.failures++
	log.Warn().Err(err).Int("consecutive", s.failures).Msg("detection tick failed")

	if s.cfg.MaxConsecutiveFailures > 0 && s.failures >= s.cfg.MaxConsecutiveFailures {
		s.stopLocked(errors.Wrapf(err, "%d consecutive detection failures", s.failures))
	}
}

// mediaEnded runs when h stops on its own: end of stream without looping, or a decode error.
func (s *Session) mediaEnded(h *media.Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.media != h || s.state != Playing || h.State() == media.Playing {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("video", h.ID).Msg("decoding failed")
	} else {
		log.Info().Str("video", h.ID).Msg("end of video")
	}
	s.stopLocked(err)
}

// DetectOnce runs a single detection at position at, leaving the overlay populated.
// It is the one-shot counterpart of playback and requires the session to be stopped.
func (s *Session) DetectOnce(ctx context.Context, at time.Duration) ([]overlay.Shape, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.media == nil {
		s.mu.Unlock()
		return nil, ErrNoMedia
	}
	if s.state == Playing {
		s.mu.Unlock()
		return nil, ErrPlaying
	}
	if err := s.ensureLoadedLocked(ctx); err != nil {
		s.state = Failed
		s.err = err
		s.mu.Unlock()
		return nil, err
	}
	h := s.media
	s.mu.Unlock()

	if err := h.Seek(ctx, at); err != nil {
		return nil, err
	}
	if err := s.poller.RunOnce(ctx); err != nil {
		return nil, err
	}
	return s.canvas.Shapes(), nil
}

// Frame returns the current video frame for compositing under the overlay.
func (s *Session) Frame() (image.Image, bool) {
	s.mu.Lock()
	h := s.media
	s.mu.Unlock()

	if h == nil {
		return nil, false
	}
	return h.Frame()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:   s.state,
		Label:   "Play",
		Canvas:  s.canvas.Size(),
		Shapes:  s.canvas.Len(),
		Ticks:   s.ticks,
		Faces:   s.faces,
		Backend: s.detector.Name(),
		Err:     s.err,
	}
	if s.state == Playing {
		st.Label = "Pause"
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if h := s.media; h != nil {
		st.Video = &VideoStatus{
			ID:       h.ID,
			URI:      h.URI,
			Width:    h.Info.Width,
			Height:   h.Info.Height,
			FPS:      h.Info.FPS,
			Duration: h.Info.Duration,
			Position: h.Position(),
			Media:    h.State().String(),
		}
	}
	return st
}

// Close stops playback and releases the media. The detector is left to its owner.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.state == Playing {
		s.stopLocked(nil)
	}
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
	s.closed = true
	s.mu.Unlock()

	// An in-flight tick may still need s.mu to finish
	s.poller.Wait()
	return nil
}

func (s *Session) notifyState() {
	if s.notify != nil {
		s.notify(EventState, s.statusLocked())
	}
}

func (s *Session) notifyOverlay(shapes []overlay.Shape) {
	if s.notify != nil {
		if shapes == nil {
			shapes = []overlay.Shape{}
		}
		s.notify(EventOverlay, shapes)
	}
}

func (s Status) String() string {
	if s.Video == nil {
		return fmt.Sprintf("%s (no video)", s.State)
	}
	id := s.Video.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s %s @ %s, %d faces on canvas", s.State, id, s.Video.Position.Truncate(time.Millisecond), s.Shapes)
}
