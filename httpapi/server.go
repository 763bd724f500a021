// Package httpapi exposes the daemon over HTTP: the message endpoint the
// popup client drives, a state snapshot, capture listing, settings, and a
// server-sent-events feed bridging the coordinator's broadcast.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/adscope/adscope/coordinator"
	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/record"
	"github.com/adscope/adscope/store"
)

// TabOpener opens a browser tab and reports its target ID, the form capture
// requests address tabs by. Implemented by browser.Manager.
type TabOpener interface {
	OpenTab(ctx context.Context, url string) (string, error)
}

// Config wires a Server.
type Config struct {
	Coordinator *coordinator.Coordinator
	Store       *store.Store
	// Tabs opens capture-target tabs. Nil disables the open endpoint
	// (daemons running without a managed browser).
	Tabs TabOpener
	// Users maps login names to bcrypt password hashes. Empty disables
	// authentication (local-only deployments).
	Users  map[string]string
	Logger *slog.Logger
}

func (c *Config) defaults() error {
	if c.Coordinator == nil {
		return errors.New("httpapi: Coordinator is required")
	}
	if c.Store == nil {
		return errors.New("httpapi: Store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Server is the daemon's HTTP surface.
type Server struct {
	cfg    Config
	router *chi.Mux
}

// New builds the Server and its routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if len(cfg.Users) > 0 {
			r.Use(s.basicAuth)
		}
		r.Post("/api/message", s.handleMessage)
		r.Get("/api/state", s.handleState)
		r.Get("/api/captures", s.handleCaptures)
		r.Get("/api/captures/{id}", s.handleCapture)
		r.Get("/api/analysis/latest", s.handleLatestAnalysis)
		r.Put("/api/settings", s.handlePutSettings)
		r.Post("/api/open", s.handleOpen)
		r.Get("/api/events", s.handleEvents)
	})

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// basicAuth checks credentials against the bcrypt user table.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			if hash, found := s.cfg.Users[user]; found {
				if bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="adscope"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

// handleMessage is the protocol endpoint: one Message in, one Response out.
// Transport always succeeds; failure rides inside the envelope.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r, 32<<20)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	msg, err := message.Decode(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	resp := s.cfg.Coordinator.HandleMessage(r.Context(), msg)
	writeJSON(w, http.StatusOK, resp)
}

// stateReply is the popup's resume snapshot.
type stateReply struct {
	Capturing      bool             `json:"capturing"`
	LatestCapture  *record.Capture  `json:"latestCapture,omitempty"`
	LatestAnalysis *record.Analysis `json:"latestAnalysis,omitempty"`
	Settings       record.Settings  `json:"settings"`
	CaptureCount   int              `json:"captureCount"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reply := stateReply{Capturing: s.cfg.Coordinator.Capturing()}

	if rec, err := s.cfg.Store.LatestCapture(ctx); err == nil {
		reply.LatestCapture = rec
	}
	if a, err := s.cfg.Store.LatestAnalysis(ctx); err == nil {
		reply.LatestAnalysis = a
	}
	settings, err := s.cfg.Store.Settings(ctx)
	if err != nil {
		settings = record.DefaultSettings()
	}
	reply.Settings = settings
	if n, err := s.cfg.Store.CaptureCount(ctx); err == nil {
		reply.CaptureCount = n
	}

	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	keys, err := s.cfg.Store.CaptureKeys(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Failure(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": keys})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Store.Capture(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, message.Failure(err))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Failure(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Store.LatestAnalysis(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, message.Failure(err))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Failure(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r, 64<<10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	var set record.Settings
	if err := json.Unmarshal(raw, &set); err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	if set.CaptureFormat != record.FormatPNG && set.CaptureFormat != record.FormatJPEG {
		writeJSON(w, http.StatusBadRequest,
			message.Failure(errors.New("httpapi: captureFormat must be png or jpeg")))
		return
	}
	if err := s.cfg.Store.SetSettings(r.Context(), set); err != nil {
		writeJSON(w, http.StatusInternalServerError, message.Failure(err))
		return
	}
	writeJSON(w, http.StatusOK, message.Response{Success: true, Settings: &set})
}

// openReply reports the target ID of a freshly opened tab.
type openReply struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
}

// handleOpen opens a tab on the requested URL so a follow-up capture can
// address it by target ID.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tabs == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			message.Failure(errors.New("httpapi: no managed browser")))
		return
	}

	raw, err := readBody(r, 64<<10)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, message.Failure(err))
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeJSON(w, http.StatusBadRequest,
			message.Failure(errors.New("httpapi: url must be http or https")))
		return
	}

	targetID, err := s.cfg.Tabs.OpenTab(r.Context(), req.URL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, message.Failure(err))
		return
	}
	s.cfg.Logger.Info("httpapi: tab opened", "url", req.URL, "target", targetID)
	writeJSON(w, http.StatusOK, openReply{TargetID: targetID, URL: req.URL})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	if err != nil {
		return nil, errors.New("httpapi: body too large or unreadable")
	}
	return raw, nil
}
