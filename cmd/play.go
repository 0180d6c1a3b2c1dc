package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/overlay"
	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	playOpts      Options
	playDuration  time.Duration
	playSnapshots string
	playEvery     time.Duration
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Play a video headless and keep a live face overlay",
	Long: "Decodes the video in real time and polls the detector on a fixed interval, " +
		"redrawing one rectangle per detected face. Runs until the video ends, --duration elapses, or Ctrl+C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPlay(cmd.Context(), playOpts)
	},
}

func init() {
	playCmd.Flags().StringVarP(&playOpts.InputPath, "input", "i", "", "Path to video")
	playCmd.Flags().DurationVar(&playOpts.Interval, "interval", cfg.Interval, "Detection polling interval")
	playCmd.Flags().StringVar(&playOpts.Color, "color", cfg.Stroke, "Rectangle stroke color (name or #rrggbb)")
	playCmd.Flags().IntVar(&playOpts.Stroke, "stroke", cfg.StrokeWidth, "Rectangle stroke width in pixels")
	playCmd.Flags().BoolVar(&playOpts.Loop, "loop", cfg.Loop, "Restart the video when it ends")
	playCmd.Flags().IntVar(&playOpts.MaxFailures, "max-failures", cfg.MaxFailures, "Consecutive detection failures before giving up (0 = never)")
	playCmd.Flags().DurationVar(&playDuration, "duration", 0, "Stop after this long (0 = until the video ends)")
	playCmd.Flags().StringVar(&playSnapshots, "snapshots", "", "Directory to write composited PNG snapshots to")
	playCmd.Flags().DurationVar(&playEvery, "snapshot-every", time.Second, "Snapshot period when --snapshots is set")
	addDetectionFlags(playCmd, &playOpts)

	playCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(playCmd)
}

func runPlay(ctx context.Context, opts Options) error {
	pcfg, err := validatePlayFlags(&opts)
	if err != nil {
		return err
	}
	if playSnapshots != "" {
		if err := os.MkdirAll(playSnapshots, 0755); err != nil {
			utils.ShowError("Unable to create snapshot directory", err, nil)
			return err
		}
	}

	det, err := newDetector(opts)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	defer det.Close()

	session := playback.New(det, pcfg, sessionOptions()...)
	defer session.Close()

	if err := session.Load(ctx, opts.InputPath); err != nil {
		utils.ShowError("Unable to open video", err, nil)
		return err
	}
	st := session.Status()
	fmt.Fprintf(os.Stderr, "📼 Video %s: %dx%d @ %.2f fps, %s\n", shortID(st.Video.ID), st.Video.Width, st.Video.Height, st.Video.FPS, fmtTime(st.Video.Duration.Seconds()))
	fmt.Fprintf(os.Stderr, "⚙️  Loading %s detector...\n", det.Name())

	if _, err := session.TogglePlayPause(ctx); err != nil {
		utils.ShowError("Failed to start playback", err, nil)
		return err
	}

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("🎞️  Playing"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	var deadline <-chan time.Time
	if playDuration > 0 {
		deadline = time.After(playDuration)
	}
	var snap <-chan time.Time
	if playSnapshots != "" {
		t := time.NewTicker(playEvery)
		defer t.Stop()
		snap = t.C
	}
	refresh := time.NewTicker(250 * time.Millisecond)
	defer refresh.Stop()

	snapshots := 0
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n🛑 Interrupted.")
			break loop
		case <-deadline:
			break loop
		case <-snap:
			if err := writeSnapshot(session, filepath.Join(playSnapshots, fmt.Sprintf("frame_%05d.png", snapshots))); err != nil {
				fmt.Fprintf(os.Stderr, "\n⚠️  Snapshot failed: %v\n", err)
				continue
			}
			snapshots++
		case <-refresh.C:
			st := session.Status()
			if st.State != playback.Playing {
				break loop
			}
			bar.Describe(fmt.Sprintf("🎞️  %s | %d faces", fmtTime(st.Video.Position.Seconds()), st.Shapes))
			bar.Add(1)
		}
	}

	if session.Status().State == playback.Playing {
		session.TogglePlayPause(context.Background())
	}
	bar.Finish()

	st = session.Status()
	if st.State == playback.Failed {
		utils.ShowError("Playback failed", st.Err, nil)
		return st.Err
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Playback finished. %d detection passes, %d faces drawn", st.Ticks, st.Faces)
	if snapshots > 0 {
		fmt.Fprintf(os.Stderr, ", %d snapshots in %s", snapshots, playSnapshots)
	}
	fmt.Fprintln(os.Stderr, ".")
	return nil
}

func writeSnapshot(session *playback.Session, path string) error {
	frame, _ := session.Frame()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := session.Canvas().EncodePNG(f, frame); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// validatePlayFlags ensures all CLI arguments are valid before starting heavy processes.
func validatePlayFlags(opts *Options) (playback.Config, error) {
	if err := validateInput(opts.InputPath); err != nil {
		return cfg.Playback(), err
	}
	return playbackConfig(opts)
}

// playbackConfig validates the overlay and polling flags and merges them over the environment defaults.
func playbackConfig(opts *Options) (playback.Config, error) {
	pcfg := cfg.Playback()

	if opts.Interval <= 0 {
		err := fmt.Errorf("must be > 0, got %s", opts.Interval)
		utils.ShowError("Invalid polling interval", err, nil)
		return pcfg, err
	}
	if _, err := overlay.ParseColor(opts.Color); err != nil {
		utils.ShowError("Invalid stroke color", err, nil)
		return pcfg, err
	}
	if opts.Stroke < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.Stroke)
		utils.ShowError("Invalid stroke width", err, nil)
		return pcfg, err
	}
	display, err := parseSize(opts.Display)
	if err != nil {
		utils.ShowError("Invalid display size (use WxH, e.g. 450x450)", err, nil)
		return pcfg, err
	}
	if opts.MaxFailures < 0 {
		opts.MaxFailures = 0
	}

	pcfg.Interval = opts.Interval
	pcfg.Stroke = opts.Color
	pcfg.StrokeWidth = float64(opts.Stroke)
	pcfg.Display = display
	pcfg.Loop = opts.Loop
	pcfg.MaxConsecutiveFailures = opts.MaxFailures
	pcfg.Detect = detect.Options{
		Landmarks:   opts.Landmarks,
		Descriptors: opts.Descriptors,
		Expressions: opts.Expressions,
	}
	return pcfg, nil
}

func validateInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}
	return nil
}

// parseSize parses "WxH". An empty string means no override.
func parseSize(s string) (types.Size, error) {
	if s == "" {
		return types.Size{}, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return types.Size{}, fmt.Errorf("missing 'x' in %q", s)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return types.Size{}, fmt.Errorf("bad width in %q", s)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return types.Size{}, fmt.Errorf("bad height in %q", s)
	}
	if width <= 0 || height <= 0 {
		return types.Size{}, fmt.Errorf("dimensions must be positive, got %dx%d", width, height)
	}
	return types.Size{Width: width, Height: height}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
