package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/playback"
)

// Config holds environment-level defaults. Command flags override them.
type Config struct {
	Addr          string
	DatabaseURL   string
	ModelsDir     string
	Backend       string
	WorkerCommand []string
	WorkerTimeout time.Duration
	UploadDir     string
	MaxUploadMB   int

	Interval      time.Duration
	DetectTimeout time.Duration
	MaxFailures   int
	Stroke        string
	StrokeWidth   int
	Loop          bool

	LogLevel string
	LogJSON  bool
}

func Load() *Config {
	d := detect.DefaultConfig()
	p := playback.DefaultConfig()

	return &Config{
		Addr:          env("FACECANVAS_ADDR", ":8080"),
		DatabaseURL:   env("FACECANVAS_DATABASE_URL", ""),
		ModelsDir:     env("FACECANVAS_MODELS_DIR", d.ModelsDir),
		Backend:       env("FACECANVAS_BACKEND", "pigo"),
		WorkerCommand: envList("FACECANVAS_WORKER_CMD", d.WorkerCommand),
		WorkerTimeout: envDuration("FACECANVAS_WORKER_TIMEOUT", d.WorkerTimeout),
		UploadDir:     env("FACECANVAS_UPLOAD_DIR", os.TempDir()),
		MaxUploadMB:   envInt("FACECANVAS_MAX_UPLOAD_MB", 512),

		Interval:      envDuration("FACECANVAS_INTERVAL", p.Interval),
		DetectTimeout: envDuration("FACECANVAS_DETECT_TIMEOUT", p.DetectTimeout),
		MaxFailures:   envInt("FACECANVAS_MAX_FAILURES", p.MaxConsecutiveFailures),
		Stroke:        env("FACECANVAS_STROKE", p.Stroke),
		StrokeWidth:   envInt("FACECANVAS_STROKE_WIDTH", int(p.StrokeWidth)),
		Loop:          envBool("FACECANVAS_LOOP", p.Loop),

		LogLevel: env("FACECANVAS_LOG_LEVEL", "info"),
		LogJSON:  envBool("FACECANVAS_LOG_JSON", false),
	}
}

// Detect returns the backend configuration.
func (c *Config) Detect() detect.Config {
	d := detect.DefaultConfig()
	d.ModelsDir = c.ModelsDir
	d.WorkerCommand = c.WorkerCommand
	d.WorkerTimeout = c.WorkerTimeout
	return d
}

// Playback returns the session configuration.
func (c *Config) Playback() playback.Config {
	p := playback.DefaultConfig()
	p.Interval = c.Interval
	p.DetectTimeout = c.DetectTimeout
	p.MaxConsecutiveFailures = c.MaxFailures
	p.Stroke = c.Stroke
	p.StrokeWidth = float64(c.StrokeWidth)
	p.Loop = c.Loop
	return p
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := strings.Fields(os.Getenv(key)); len(v) > 0 {
		return v
	}
	return fallback
}
