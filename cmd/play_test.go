package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facecanvas/internal/types"
)

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    types.Size
		wantErr bool
	}{
		{"", types.Size{}, false},
		{"450x450", types.Size{Width: 450, Height: 450}, false},
		{"1280X720", types.Size{Width: 1280, Height: 720}, false},
		{" 640 x 360 ", types.Size{Width: 640, Height: 360}, false},
		{"640", types.Size{}, true},
		{"0x10", types.Size{}, true},
		{"axb", types.Size{}, true},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSize(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestValidatePlayFlags(t *testing.T) {
	// Create a temp file for valid input
	tmpFile, err := os.CreateTemp("", "video.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	tmpDir := t.TempDir()

	valid := Options{
		InputPath: tmpFile.Name(),
		Interval:  100 * time.Millisecond,
		Color:     "blue",
		Stroke:    4,
		Loop:      true,
	}
	with := func(mod func(o *Options)) Options {
		o := valid
		mod(&o)
		return o
	}

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"Valid options", valid, false},
		{"Hex color and display", with(func(o *Options) { o.Color = "#ff0000"; o.Display = "450x450" }), false},
		{"Input file does not exist", with(func(o *Options) { o.InputPath = "nonexistent.mp4" }), true},
		{"Input is directory", with(func(o *Options) { o.InputPath = tmpDir }), true},
		{"Zero interval", with(func(o *Options) { o.Interval = 0 }), true},
		{"Unknown color", with(func(o *Options) { o.Color = "sparkly" }), true},
		{"Zero stroke", with(func(o *Options) { o.Stroke = 0 }), true},
		{"Bad display", with(func(o *Options) { o.Display = "wide" }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Redirect stderr to discard output during this specific sub-test
			oldStderr := os.Stderr
			r, w, _ := os.Pipe()
			os.Stderr = w

			_, err := validatePlayFlags(&tt.opts)

			w.Close()
			os.Stderr = oldStderr
			r.Close()

			if (err != nil) != tt.wantErr {
				t.Errorf("validatePlayFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlayFlags_MergesConfig(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(tmp, nil, 0644); err != nil {
		t.Fatal(err)
	}

	opts := Options{
		InputPath:   tmp,
		Interval:    250 * time.Millisecond,
		Color:       "red",
		Stroke:      3,
		Display:     "450x450",
		Landmarks:   true,
		MaxFailures: -1,
	}
	pcfg, err := validatePlayFlags(&opts)
	if err != nil {
		t.Fatal(err)
	}

	if pcfg.Interval != 250*time.Millisecond || pcfg.Stroke != "red" || pcfg.StrokeWidth != 3 {
		t.Errorf("overlay settings not applied: %+v", pcfg)
	}
	if pcfg.Display != (types.Size{Width: 450, Height: 450}) {
		t.Errorf("Display = %+v", pcfg.Display)
	}
	if pcfg.Loop {
		t.Error("Loop should follow the flag")
	}
	if !pcfg.Detect.Landmarks || pcfg.Detect.Descriptors {
		t.Errorf("Detect = %+v", pcfg.Detect)
	}
	if pcfg.MaxConsecutiveFailures != 0 {
		t.Errorf("negative max failures should clamp to 0, got %d", pcfg.MaxConsecutiveFailures)
	}
}

func TestRemoveGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"facecanvas-a.mp4", "facecanvas-b.webm", "keep.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	if n := removeGlob(filepath.Join(dir, "facecanvas-*")); n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.mp4")); err != nil {
		t.Errorf("unrelated file was removed: %v", err)
	}
}
