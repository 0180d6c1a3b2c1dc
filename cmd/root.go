package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andresmejia3/facecanvas/internal/config"
	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/andresmejia3/facecanvas/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for play, detect, and serve commands
type Options struct {
	InputPath     string
	Interval      time.Duration
	Color         string
	Stroke        int
	Display       string
	Backend       string
	ModelsDir     string
	Landmarks     bool
	Descriptors   bool
	Expressions   bool
	Loop          bool
	WorkerTimeout string
	MaxFailures   int
}

// annotationRequiresDB marks commands that cannot run without the store.
const annotationRequiresDB = "requiresDB"

var (
	// DB is the global database connection shared by subcommands. Nil when no database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string

	logLevel string
	logJSON  bool

	// cfg holds environment defaults for flags
	cfg = config.Load()
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facecanvas",
	Short:   "Real-time face detection overlay for video playback",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel, logJSON); err != nil {
			return err
		}

		url := resolveDBURL()
		if url == "" {
			if cmd.Annotations[annotationRequiresDB] == "true" {
				return fmt.Errorf("%s requires a database: pass --db or set POSTGRES_HOST", cmd.Name())
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		log.Debug().Msg("connected to session store")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// resolveDBURL builds the connection string from the flag or the environment.
// An empty result means no store.
func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return ""
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	if asJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

// sessionOptions attaches the store when one is connected.
func sessionOptions(extra ...playback.Option) []playback.Option {
	opts := extra
	// A nil *store.Store must not become a non-nil Recorder
	if DB != nil {
		opts = append(opts, playback.WithRecorder(DB))
	}
	return opts
}

// newDetector builds the selected backend.
func newDetector(opts Options) (detect.Detector, error) {
	dcfg := cfg.Detect()
	if opts.ModelsDir != "" {
		dcfg.ModelsDir = opts.ModelsDir
	}
	if opts.WorkerTimeout != "" {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid worker-timeout %q: %w", opts.WorkerTimeout, err)
		}
		dcfg.WorkerTimeout = d
	}
	return detect.New(opts.Backend, dcfg)
}

// addDetectionFlags registers the flags shared by every command that runs a detector.
func addDetectionFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVar(&opts.Backend, "backend", cfg.Backend, "Detector backend: "+strings.Join(detect.Backends(), ", ")+" (haar needs -tags gocv)")
	cmd.Flags().StringVar(&opts.ModelsDir, "models", cfg.ModelsDir, "Directory holding the model bundles")
	cmd.Flags().BoolVar(&opts.Landmarks, "landmarks", false, "Request facial landmarks")
	cmd.Flags().BoolVar(&opts.Descriptors, "descriptors", false, "Request face descriptors (worker backend)")
	cmd.Flags().BoolVar(&opts.Expressions, "expressions", false, "Request expression scores (worker backend)")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", cfg.WorkerTimeout.String(), "Timeout for the worker to process a single frame")
	cmd.Flags().StringVar(&opts.Display, "display", "", "Canvas display size WxH (default: the video's intrinsic size)")
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (optional; enables session history)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", cfg.LogJSON, "Emit JSON logs instead of console output")
}
