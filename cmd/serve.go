package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/andresmejia3/facecanvas/internal/server"
	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser player with a live face overlay",
	Long: "Starts an HTTP server with a file picker, a play/pause toggle, and a canvas overlay " +
		"kept in sync over a websocket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", cfg.Addr, "Listen address")
	serveCmd.Flags().StringVarP(&serveOpts.InputPath, "input", "i", "", "Optional video to preload")
	serveCmd.Flags().DurationVar(&serveOpts.Interval, "interval", cfg.Interval, "Detection polling interval")
	serveCmd.Flags().StringVar(&serveOpts.Color, "color", cfg.Stroke, "Rectangle stroke color (name or #rrggbb)")
	serveCmd.Flags().IntVar(&serveOpts.Stroke, "stroke", cfg.StrokeWidth, "Rectangle stroke width in pixels")
	serveCmd.Flags().BoolVar(&serveOpts.Loop, "loop", cfg.Loop, "Restart the video when it ends")
	serveCmd.Flags().IntVar(&serveOpts.MaxFailures, "max-failures", cfg.MaxFailures, "Consecutive detection failures before giving up (0 = never)")
	addDetectionFlags(serveCmd, &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	preload := opts.InputPath
	if preload != "" {
		if err := validateInput(preload); err != nil {
			return err
		}
	}
	pcfg, err := playbackConfig(&opts)
	if err != nil {
		return err
	}

	det, err := newDetector(opts)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	defer det.Close()

	hub := server.NewHub()
	session := playback.New(det, pcfg, sessionOptions(playback.WithNotify(hub.Broadcast))...)
	defer session.Close()

	if preload != "" {
		if err := session.Load(ctx, preload); err != nil {
			utils.ShowError("Unable to open video", err, nil)
			return err
		}
	}

	srv := server.New(session, hub, server.Options{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              serveAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Serving on %s (backend: %s)\n", serveAddr, det.Name())
	log.Info().Str("addr", serveAddr).Str("backend", det.Name()).Msg("server started")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("HTTP server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Websocket connections are hijacked and are not waited on by Shutdown
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
		httpServer.Close()
	}
	return nil
}
