// Package api implements the REST and WebSocket surface of meshbridge.
//
// Routes:
//	GET  /api/v1/node                — Local node info
//	GET  /api/v1/contacts            — Contact roster
//	GET  /api/v1/contacts/{prefix}   — Single contact detail
//	GET  /api/v1/repeaters           — Tracked repeaters with stats
//	GET  /api/v1/channels            — Channel slots
//	GET  /api/v1/messages            — Conversation history
//	POST /api/v1/messages            — Send a direct or channel message
//	POST /api/v1/advert              — Broadcast a self advertisement
//	POST /api/v1/command             — Raw operator command
//	GET  /api/v1/status              — Bridge health
//	GET  /api/v1/events              — WebSocket live stream
//
// Framework: standard library net/http mux with method patterns.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshcommons/meshbridge/internal/bus"
	"github.com/meshcommons/meshbridge/internal/meshcore"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// Bridge is the subset of the session the API needs.
type Bridge interface {
	SendMessage(ctx context.Context, to, text string) (*state.Message, error)
	SendChannelMessage(ctx context.Context, idx int, text string) (*state.Message, error)
	SendAdvert(ctx context.Context, flood bool) error
	RefreshContacts(ctx context.Context) error
	RawCommand(ctx context.Context, line string) (string, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Server holds handler dependencies.
type Server struct {
	stateMgr  *state.Manager
	bridge    Bridge
	events    *bus.Bus
	connState func() transport.ConnectionState
	log       *zap.Logger
	started   time.Time
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(
	stateMgr *state.Manager,
	bridge Bridge,
	events *bus.Bus,
	connState func() transport.ConnectionState,
	log *zap.Logger,
) http.Handler {
	s := &Server{
		stateMgr:  stateMgr,
		bridge:    bridge,
		events:    events,
		connState: connState,
		log:       log,
		started:   time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/node", s.getNode)
	mux.HandleFunc("GET /api/v1/contacts", s.listContacts)
	mux.HandleFunc("GET /api/v1/contacts/{prefix}", s.getContact)
	mux.HandleFunc("POST /api/v1/contacts/refresh", s.refreshContacts)
	mux.HandleFunc("GET /api/v1/repeaters", s.listRepeaters)
	mux.HandleFunc("GET /api/v1/channels", s.listChannels)
	mux.HandleFunc("GET /api/v1/messages", s.listMessages)
	mux.HandleFunc("POST /api/v1/messages", s.sendMessage)
	mux.HandleFunc("POST /api/v1/advert", s.sendAdvert)
	mux.HandleFunc("POST /api/v1/command", s.rawCommand)
	mux.HandleFunc("GET /api/v1/status", s.status)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Node ──────────────────────────────────────────────────────────────────

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":       s.stateMgr.Node(),
		"connection": s.connState().String(),
	})
}

// ── Contacts ──────────────────────────────────────────────────────────────

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	contacts := s.stateMgr.ListContacts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

func (s *Server) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.stateMgr.Resolve(r.PathValue("prefix"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) refreshContacts(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.RefreshContacts(r.Context()); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": s.stateMgr.ContactCount(),
	})
}

// ── Repeaters ─────────────────────────────────────────────────────────────

func (s *Server) listRepeaters(w http.ResponseWriter, r *http.Request) {
	reps := s.stateMgr.ListRepeaters()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repeaters": reps,
		"count":     len(reps),
	})
}

// ── Channels ──────────────────────────────────────────────────────────────

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": s.stateMgr.Channels(),
	})
}

// ── Messages ──────────────────────────────────────────────────────────────

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	conversation := r.URL.Query().Get("conversation")
	if conversation == "" {
		http.Error(w, "conversation parameter required", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msgs, err := s.stateMgr.Messages(conversation, limit)
	if err != nil {
		s.log.Error("api: list messages", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

type sendMessageRequest struct {
	To      string `json:"to"`
	Channel *int   `json:"channel"`
	Text    string `json:"text"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text must not be empty", http.StatusBadRequest)
		return
	}
	if (req.To == "") == (req.Channel == nil) {
		http.Error(w, "exactly one of to or channel required", http.StatusBadRequest)
		return
	}

	var (
		msg *state.Message
		err error
	)
	if req.To != "" {
		msg, err = s.bridge.SendMessage(r.Context(), req.To, req.Text)
	} else {
		msg, err = s.bridge.SendChannelMessage(r.Context(), *req.Channel, req.Text)
	}
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     msg.ID,
		"status": "queued",
	})
}

// ── Advert / command ──────────────────────────────────────────────────────

type advertRequest struct {
	Flood bool `json:"flood"`
}

func (s *Server) sendAdvert(w http.ResponseWriter, r *http.Request) {
	var req advertRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	if err := s.bridge.SendAdvert(r.Context(), req.Flood); err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent", "flood": req.Flood})
}

type commandRequest struct {
	Line string `json:"line"`
}

func (s *Server) rawCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Line) == "" {
		http.Error(w, "line must not be empty", http.StatusBadRequest)
		return
	}
	out, err := s.bridge.RawCommand(r.Context(), req.Line)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": out})
}

// ── Status ────────────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connection":  s.connState().String(),
		"contacts":    s.stateMgr.ContactCount(),
		"subscribers": s.events.Len(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.events.Subscribe()
	defer unsub()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps session errors onto HTTP status codes.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, meshcore.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, meshcore.ErrAmbiguous):
		code = http.StatusConflict
	case errors.Is(err, meshcore.ErrNotConnected), errors.Is(err, meshcore.ErrConnectionLost):
		code = http.StatusServiceUnavailable
	case errors.Is(err, meshcore.ErrTimeout):
		code = http.StatusGatewayTimeout
	default:
		var devErr *meshcore.DeviceError
		if errors.As(err, &devErr) {
			code = http.StatusBadGateway
		}
	}
	if code == http.StatusInternalServerError {
		log.Error("api: request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}
