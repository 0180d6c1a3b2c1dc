// Package server exposes a playback session over HTTP.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecanvas/internal/detect"
	"github.com/andresmejia3/facecanvas/internal/media"
	"github.com/andresmejia3/facecanvas/internal/overlay"
	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/andresmejia3/facecanvas/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

//go:embed static/index.html
var static embed.FS

const frameQuality = 85

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
}

type Server struct {
	session *playback.Session
	hub     *Hub
	opts    Options
	router  chi.Router

	mu     sync.Mutex
	upload string // file backing the current video
}

// New wires the routes. The session's notifications should already feed hub.
func New(session *playback.Session, hub *Hub, opts Options) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 512 << 20
	}

	s := &Server{session: session, hub: hub, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", s.index)
	r.Get("/ws", hub.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Post("/video", s.uploadVideo)
		r.Post("/toggle", s.toggle)
		r.Get("/status", s.status)
		r.Get("/overlay", s.overlayShapes)
		r.Get("/frame.jpg", s.frame)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close removes the last uploaded file.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upload != "" {
		os.Remove(s.upload)
		s.upload = ""
	}
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) uploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "expected a multipart field named file"))
		return
	}
	defer file.Close()

	ct := header.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "video/") {
		writeError(w, http.StatusUnsupportedMediaType, errors.Errorf("unsupported content type %q, expected video/*", ct))
		return
	}

	dst := filepath.Join(s.opts.UploadDir, "facecanvas-"+uuid.NewString()+filepath.Ext(header.Filename))
	if err := saveUpload(file, dst); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.session.Load(r.Context(), dst); err != nil {
		os.Remove(dst)
		if errors.Is(err, media.ErrNotVideo) {
			writeError(w, http.StatusUnsupportedMediaType, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	prev := s.upload
	s.upload = dst
	s.mu.Unlock()
	if prev != "" {
		os.Remove(prev)
	}

	log.Info().Str("file", header.Filename).Int64("bytes", header.Size).Msg("video uploaded")
	writeJSON(w, http.StatusOK, s.session.Status())
}

func saveUpload(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "unable to store upload")
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Wrap(err, "unable to store upload")
	}
	return out.Close()
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	// Playback outlives the request
	st, err := s.session.TogglePlayPause(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, playback.ErrNoMedia):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, playback.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, detect.ErrModelLoad):
		// The session is now Failed; report that alongside the error
		writeJSON(w, http.StatusInternalServerError, st)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) overlayShapes(w http.ResponseWriter, r *http.Request) {
	c := s.session.Canvas()
	writeJSON(w, http.StatusOK, map[string]any{
		"size":   c.Size(),
		"shapes": c.Shapes(),
	})
}

func (s *Server) frame(w http.ResponseWriter, r *http.Request) {
	if s.session.Status().Video == nil {
		writeError(w, http.StatusConflict, playback.ErrNoMedia)
		return
	}
	frame, _ := s.session.Frame()

	c := s.session.Canvas()
	if r.URL.Query().Get("overlay") == "0" {
		// Bare frame at the canvas size, for clients drawing the overlay themselves
		size := c.Size()
		c = overlay.New(size.Width, size.Height)
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := c.EncodeJPEG(w, frame, frameQuality); err != nil {
		log.Warn().Err(err).Msg("unable to encode composite frame")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, types.ErrorResult{Error: err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
