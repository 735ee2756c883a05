package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"quickdrop/internal/config"
	"quickdrop/internal/models"
	"quickdrop/internal/signaling"
)

const (
	version         = "1.0.0"
	janitorInterval = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var validate = validator.New()

// Mailer delivers share code invitations.
type Mailer interface {
	SendShareCode(toEmail, code, senderName string) error
}

// History reads the room audit trail.
type History interface {
	RecentEvents(ctx context.Context, limit int) ([]models.RoomEvent, error)
}

type Server struct {
	config  config.RelayConfig
	relay   *signaling.Relay
	mailer  Mailer
	history History
	log     *logrus.Entry
}

func NewServer(cfg config.RelayConfig, relay *signaling.Relay, log *logrus.Entry) *Server {
	return &Server{
		config: cfg,
		relay:  relay,
		log:    log.WithField("component", "api"),
	}
}

// SetMailer enables POST /api/rooms/invite.
func (s *Server) SetMailer(m Mailer) { s.mailer = m }

// SetHistory enables GET /api/rooms/history.
func (s *Server) SetHistory(h History) { s.history = h }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/rooms/invite", s.handleInvite)
	mux.HandleFunc("/api/rooms/history", s.handleHistory)
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepRooms(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("http shutdown")
		}
	}()

	s.log.WithField("addr", srv.Addr).Info("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepRooms(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.relay.Sweep()
		}
	}
}

// ---- Handlers ----

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Quickdrop API Server",
		"version": version,
		"endpoints": map[string]string{
			"websocket": "/ws",
			"health":    "/api/health",
			"invite":    "/api/rooms/invite",
			"history":   "/api/rooms/history",
		},
		"stats": s.relay.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"stats":     s.relay.Stats(),
	})
}

type inviteRequest struct {
	Code  string `json:"code" validate:"required,len=6,alphanum"`
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.mailer == nil {
		jsonError(w, "Invites are disabled", http.StatusServiceUnavailable)
		return
	}

	var body inviteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		jsonError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(body); err != nil {
		jsonError(w, "Code and email required", http.StatusBadRequest)
		return
	}

	room, ok := s.relay.Room(body.Code)
	if !ok {
		jsonError(w, "Room not found", http.StatusNotFound)
		return
	}
	if err := s.mailer.SendShareCode(body.Email, room.Code, room.Sender.Name); err != nil {
		s.log.WithError(err).WithField("room", room.Code).Error("invite failed")
		jsonError(w, "Could not send invite", http.StatusBadGateway)
		return
	}

	s.log.WithField("room", room.Code).Info("invite sent")
	jsonOK(w, "invite sent")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		jsonError(w, "Audit trail is disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.history.RecentEvents(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("history query failed")
		jsonError(w, "DB error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.RoomEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ---- Helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonOK(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": msg})
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
