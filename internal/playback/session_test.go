package playback

import (
	"context"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/media"
	"github.com/andresmejia3/facecanvas/internal/overlay"
	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type fakeProber struct {
	info media.Info
	err  error
}

func (p fakeProber) Probe(ctx context.Context, path string) (media.Info, error) {
	return p.info, p.err
}

// fakeDecoder yields `frames` frames per segment, forever when frames < 0.
type fakeDecoder struct{ frames int }

func (d fakeDecoder) Open(ctx context.Context, path string, from time.Duration, info media.Info) (media.FrameReader, error) {
	return &fakeReader{left: d.frames, w: info.Width, h: info.Height}, nil
}

type fakeReader struct {
	left int
	w, h int
}

func (r *fakeReader) ReadFrame() (image.Image, error) {
	if r.left == 0 {
		return nil, io.EOF
	}
	if r.left > 0 {
		r.left--
	}
	return image.NewRGBA(image.Rect(0, 0, r.w, r.h)), nil
}

func (r *fakeReader) Close() error { return nil }

type fakeDetector struct {
	results []detect.Result
	loadErr error

	mu        sync.Mutex
	detectErr error
	gate      chan struct{} // when set, Detect blocks until it is closed
	entered   chan struct{} // signalled on every Detect call
	loads     int
	calls     int
}

func (d *fakeDetector) Name() string                 { return "fake" }
func (d *fakeDetector) Capabilities() detect.Options { return detect.Options{Landmarks: true} }
func (d *fakeDetector) Close() error                 { return nil }

func (d *fakeDetector) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	return d.loadErr
}

func (d *fakeDetector) Detect(ctx context.Context, img image.Image, opts detect.Options) ([]detect.Result, error) {
	d.mu.Lock()
	d.calls++
	gate, entered, err := d.gate, d.entered, d.detectErr
	d.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return d.results, nil
}

func (d *fakeDetector) loadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads
}

type fakeRecorder struct {
	mu       sync.Mutex
	videos   []string
	started  []uuid.UUID
	finished []string
}

func (r *fakeRecorder) EnsureVideoMetadata(ctx context.Context, id, path string, width, height int, fps float64, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos = append(r.videos, id)
	return nil
}

func (r *fakeRecorder) StartPlayback(ctx context.Context, id uuid.UUID, videoID, backend string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
	return nil
}

func (r *fakeRecorder) FinishPlayback(ctx context.Context, id uuid.UUID, ticks, faces int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, errMsg)
	return nil
}

var hd = media.Info{Width: 1920, Height: 1080, FPS: 100, Duration: 10 * time.Second}

func tempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(path, []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.Prober = fakeProber{info: hd}
	cfg.Decoder = fakeDecoder{frames: -1}
	return cfg
}

func newLoadedSession(t *testing.T, det detect.Detector, cfg Config, opts ...Option) *Session {
	t.Helper()
	s := New(det, cfg, opts...)
	t.Cleanup(func() { s.Close() })
	if err := s.Load(context.Background(), tempVideo(t)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func oneFace() []detect.Result {
	return []detect.Result{{Box: types.Box{X: 960, Y: 540, Width: 100, Height: 100}, Score: 0.9}}
}

func TestLoad_CanvasMatchesIntrinsicSize(t *testing.T) {
	s := newLoadedSession(t, &fakeDetector{}, testConfig())

	if got := s.Canvas().Size(); got != (types.Size{Width: 1920, Height: 1080}) {
		t.Errorf("canvas size = %+v, want 1920x1080", got)
	}
	st := s.Status()
	if st.State != Stopped || st.Label != "Play" {
		t.Errorf("status after load = %s/%s, want stopped/Play", st.State, st.Label)
	}
	if st.Video == nil || st.Video.Width != 1920 {
		t.Errorf("unexpected video status %+v", st.Video)
	}
}

func TestLoad_DisplayOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Display = types.Size{Width: 450, Height: 450}
	s := newLoadedSession(t, &fakeDetector{}, cfg)

	if got := s.Canvas().Size(); got != cfg.Display {
		t.Errorf("canvas size = %+v, want %+v", got, cfg.Display)
	}
}

func TestLoad_NotAVideo(t *testing.T) {
	cfg := testConfig()
	cfg.Prober = fakeProber{err: errors.New("Invalid data found when processing input")}
	s := New(&fakeDetector{}, cfg)
	defer s.Close()

	err := s.Load(context.Background(), tempVideo(t))
	if !errors.Is(err, media.ErrNotVideo) {
		t.Fatalf("Load() error = %v, want ErrNotVideo", err)
	}
	if st := s.Status(); st.Error == "" || st.Video != nil {
		t.Errorf("failure not surfaced in status: %+v", st)
	}
	if _, err := s.TogglePlayPause(context.Background()); !errors.Is(err, ErrNoMedia) {
		t.Errorf("toggle without media error = %v, want ErrNoMedia", err)
	}
}

func TestToggle_EvenCountReturnsToStopped(t *testing.T) {
	det := &fakeDetector{results: oneFace()}
	s := newLoadedSession(t, det, testConfig())
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		st, err := s.TogglePlayPause(ctx)
		if err != nil {
			t.Fatalf("toggle to play: %v", err)
		}
		if st.State != Playing || st.Label != "Pause" {
			t.Fatalf("state = %s/%s, want playing/Pause", st.State, st.Label)
		}
		waitFor(t, "a committed tick", func() bool { return s.Canvas().Len() == 1 })

		st, err = s.TogglePlayPause(ctx)
		if err != nil {
			t.Fatalf("toggle to stop: %v", err)
		}
		if st.State != Stopped {
			t.Fatalf("state = %s, want stopped", st.State)
		}
		if n := s.Canvas().Len(); n != 0 {
			t.Fatalf("overlay has %d shapes after stop", n)
		}
	}

	if got := det.loadCount(); got != 1 {
		t.Errorf("models loaded %d times, want once", got)
	}
}

func TestDetectOnce_RescaledBoxes(t *testing.T) {
	det := &fakeDetector{results: []detect.Result{
		{Box: types.Box{X: 960, Y: 540, Width: 100, Height: 100}},
		{Box: types.Box{X: 0, Y: 0, Width: 1920, Height: 1080}},
	}}
	cfg := testConfig()
	cfg.Display = types.Size{Width: 450, Height: 450}
	s := newLoadedSession(t, det, cfg)

	shapes, err := s.DetectOnce(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("DetectOnce failed: %v", err)
	}
	if len(shapes) != 2 || s.Canvas().Len() != 2 {
		t.Fatalf("expected 2 shapes, got %d (canvas %d)", len(shapes), s.Canvas().Len())
	}

	want := []overlay.Shape{
		overlay.Rect(225, 225, 23.4375, 41.6667, "blue", 4),
		overlay.Rect(0, 0, 450, 450, "blue", 4),
	}
	for i, w := range want {
		g := shapes[i]
		if math.Abs(g.X-w.X) > 1e-3 || math.Abs(g.Y-w.Y) > 1e-3 ||
			math.Abs(g.Width-w.Width) > 1e-3 || math.Abs(g.Height-w.Height) > 1e-3 {
			t.Errorf("shape %d = %+v, want %+v", i, g, w)
		}
		if g.Stroke != "blue" || g.StrokeWidth != 4 {
			t.Errorf("shape %d stroke = %s/%v, want blue/4", i, g.Stroke, g.StrokeWidth)
		}
	}

	// A second pass replaces rather than accumulates
	det.mu.Lock()
	det.results = det.results[:1]
	det.mu.Unlock()
	if _, err := s.DetectOnce(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if n := s.Canvas().Len(); n != 1 {
		t.Errorf("expected 1 shape after second pass, got %d", n)
	}
}

func TestStopDuringDetection_DiscardsLateResult(t *testing.T) {
	det := &fakeDetector{
		results: oneFace(),
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	cfg := testConfig()
	s := New(det, cfg)
	if err := s.Load(context.Background(), tempVideo(t)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.TogglePlayPause(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-det.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("detector was never called")
	}

	if st, _ := s.TogglePlayPause(context.Background()); st.State != Stopped {
		t.Fatalf("state = %s, want stopped", st.State)
	}
	close(det.gate) // the in-flight detection resolves after stop

	s.Close() // waits for the tick to finish
	if n := s.Canvas().Len(); n != 0 {
		t.Errorf("late detection added %d shapes after stop", n)
	}
}

func TestModelLoadFailure(t *testing.T) {
	det := &fakeDetector{loadErr: errors.Wrap(detect.ErrModelLoad, "reading models/facefinder")}
	s := newLoadedSession(t, det, testConfig())

	st, err := s.TogglePlayPause(context.Background())
	if !errors.Is(err, detect.ErrModelLoad) {
		t.Fatalf("toggle error = %v, want ErrModelLoad", err)
	}
	if st.State != Failed || !errors.Is(st.Err, detect.ErrModelLoad) || st.Error == "" {
		t.Errorf("status = %+v, want Failed with ErrModelLoad", st)
	}

	// Toggling from Failed retries the load
	det.mu.Lock()
	det.loadErr = nil
	det.mu.Unlock()
	st, err = s.TogglePlayPause(context.Background())
	if err != nil || st.State != Playing {
		t.Fatalf("retry: state = %s, err = %v", st.State, err)
	}
	if det.loadCount() != 2 {
		t.Errorf("loads = %d, want 2", det.loadCount())
	}
}

func TestUnsupportedOptionsFailBeforePlaying(t *testing.T) {
	det := &fakeDetector{results: oneFace()}
	cfg := testConfig()
	cfg.Detect = detect.Options{Landmarks: true, Descriptors: true}
	s := newLoadedSession(t, det, cfg)

	st, err := s.TogglePlayPause(context.Background())
	if !errors.Is(err, detect.ErrUnsupported) {
		t.Fatalf("toggle error = %v, want ErrUnsupported", err)
	}
	if st.State != Failed || st.Label != "Play" {
		t.Errorf("status = %s/%s, want failed/Play", st.State, st.Label)
	}
	if s.poller.Running() {
		t.Error("poller started for options the backend cannot serve")
	}

	if _, err := s.DetectOnce(context.Background(), 0); !errors.Is(err, detect.ErrUnsupported) {
		t.Errorf("DetectOnce error = %v, want ErrUnsupported", err)
	}
	det.mu.Lock()
	calls := det.calls
	det.mu.Unlock()
	if calls != 0 {
		t.Errorf("detector called %d times", calls)
	}
}

func TestConsecutiveFailures(t *testing.T) {
	det := &fakeDetector{detectErr: errors.Wrap(detect.ErrDetection, "inference crashed")}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	rec := &fakeRecorder{}
	s := newLoadedSession(t, det, cfg, WithRecorder(rec))

	if _, err := s.TogglePlayPause(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed state", func() bool { return s.Status().State == Failed })

	st := s.Status()
	if !errors.Is(st.Err, detect.ErrDetection) {
		t.Errorf("status error = %v, want ErrDetection", st.Err)
	}
	if st.Video.Media != media.Paused.String() {
		t.Errorf("media state = %s, want paused", st.Video.Media)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.finished) != 1 || rec.finished[0] == "" {
		t.Errorf("expected one failed playback record, got %v", rec.finished)
	}
}

func TestEndOfMedia_StopsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Loop = false
	cfg.Decoder = fakeDecoder{frames: 5}
	s := newLoadedSession(t, &fakeDetector{results: oneFace()}, cfg)

	if _, err := s.TogglePlayPause(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session to stop at end of video", func() bool { return s.Status().State == Stopped })

	if n := s.Canvas().Len(); n != 0 {
		t.Errorf("overlay has %d shapes after end of video", n)
	}
	if st := s.Status(); st.Video.Media != media.Ended.String() {
		t.Errorf("media state = %s, want ended", st.Video.Media)
	}
}

func TestRecorderAndNotify(t *testing.T) {
	rec := &fakeRecorder{}
	var states, overlays int32
	notify := func(event string, data any) {
		switch event {
		case EventState:
			if _, ok := data.(Status); !ok {
				t.Errorf("state event carried %T", data)
			}
			atomic.AddInt32(&states, 1)
		case EventOverlay:
			if _, ok := data.([]overlay.Shape); !ok {
				t.Errorf("overlay event carried %T", data)
			}
			atomic.AddInt32(&overlays, 1)
		}
	}
	s := newLoadedSession(t, &fakeDetector{results: oneFace()}, testConfig(), WithRecorder(rec), WithNotify(notify))

	s.TogglePlayPause(context.Background())
	waitFor(t, "a committed tick", func() bool { return s.Canvas().Len() == 1 })
	s.TogglePlayPause(context.Background())

	rec.mu.Lock()
	if len(rec.videos) != 1 || len(rec.started) != 1 || len(rec.finished) != 1 || rec.finished[0] != "" {
		t.Errorf("recorder calls: videos=%v started=%v finished=%v", rec.videos, rec.started, rec.finished)
	}
	rec.mu.Unlock()

	// load, play, stop
	if n := atomic.LoadInt32(&states); n < 3 {
		t.Errorf("state events = %d, want >= 3", n)
	}
	// at least one tick plus the clear on stop
	if n := atomic.LoadInt32(&overlays); n < 2 {
		t.Errorf("overlay events = %d, want >= 2", n)
	}
}

func TestDetectOnce_WhilePlaying(t *testing.T) {
	s := newLoadedSession(t, &fakeDetector{}, testConfig())
	s.TogglePlayPause(context.Background())

	if _, err := s.DetectOnce(context.Background(), 0); !errors.Is(err, ErrPlaying) {
		t.Errorf("DetectOnce while playing error = %v, want ErrPlaying", err)
	}
}

func TestClose(t *testing.T) {
	s := New(&fakeDetector{}, testConfig())
	if err := s.Load(context.Background(), tempVideo(t)); err != nil {
		t.Fatal(err)
	}
	s.TogglePlayPause(context.Background())

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := s.TogglePlayPause(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("toggle after close error = %v, want ErrClosed", err)
	}
	if err := s.Load(context.Background(), tempVideo(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("load after close error = %v, want ErrClosed", err)
	}
}
