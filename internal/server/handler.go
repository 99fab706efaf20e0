package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/balcao/internal/counter"
	"github.com/MrWong99/balcao/internal/observe"
	"github.com/MrWong99/balcao/internal/vad"
)

// ServeWS upgrades the request and runs the connection to completion.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Debug("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	// Hijacked connections outlive http.Server.Shutdown; tie them to ours.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	id := uuid.NewString()
	log := s.log.With("session_id", id)

	// ── Authenticating ──────────────────────────────────────────────────
	defaults := s.SessionDefaults()
	ctr, settings, ok := s.authenticate(ctx, conn, defaults.VAD, log)
	if !ok {
		return
	}
	log = log.With("counter_id", ctr.ID, "account_id", ctr.AccountID)
	ctx = observe.WithLogger(ctx, log)

	admitted, reason := s.cfg.Guard.CheckAvailability(ctx)
	s.metrics.RecordAdmission(ctx, admitted, reasonLabel(reason))
	if !admitted {
		log.Warn("server: admission rejected", "reason", reason)
		_ = conn.Close(CloseAdmissionRejected, closeReason(reason))
		return
	}

	// ── Streaming ───────────────────────────────────────────────────────
	sess := newSession(s, id, conn, ctr, settings, defaults, log)
	sess.run(ctx)
}

// authenticate reads the control message, resolves the counter, and builds
// the connection's VAD settings. On failure the connection has been closed.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, base vad.Settings, log *slog.Logger) (counter.Counter, vad.Settings, bool) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(hctx)
	if err != nil {
		switch {
		case errors.Is(hctx.Err(), context.DeadlineExceeded):
			log.Info("server: handshake timed out")
			_ = conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		case websocket.CloseStatus(err) != -1 || ctx.Err() != nil:
			log.Debug("server: closed during handshake", "err", err)
		default:
			log.Info("server: handshake read failed", "err", err)
		}
		return counter.Counter{}, vad.Settings{}, false
	}
	msg, hintErr, err := parseControl(data)
	if err != nil {
		log.Info("server: malformed control message", "err", err)
		s.metrics.AuthFailures.Add(ctx, 1)
		_ = conn.Close(CloseInvalidKey, "invalid api key")
		return counter.Counter{}, vad.Settings{}, false
	}
	if hintErr != nil {
		log.Warn("server: ignoring undecodable client vad hints", "err", hintErr)
	}

	ctr, err := s.cfg.Counters.Authenticate(ctx, msg.APIKey)
	if err != nil {
		if errors.Is(err, counter.ErrNotFound) {
			log.Info("server: invalid api key")
			s.metrics.AuthFailures.Add(ctx, 1)
			_ = conn.Close(CloseInvalidKey, "invalid api key")
		} else {
			log.Error("server: counter lookup failed", "err", err)
			_ = conn.Close(websocket.StatusTryAgainLater, "authentication unavailable")
		}
		return counter.Counter{}, vad.Settings{}, false
	}

	return ctr, resolveVAD(base, msg.VADSettings, ctr.Preset, log), true
}

// resolveVAD layers client hints and then the stored preset over base. An
// invalid layer is dropped with a warning rather than failing the connection.
func resolveVAD(base vad.Settings, hints, preset vad.Overrides, log *slog.Logger) vad.Settings {
	s, err := vad.Resolve(base, hints, preset)
	if err == nil {
		return s
	}
	if !hints.IsZero() {
		log.Warn("server: ignoring invalid client vad hints", "err", err)
	}
	s, err = vad.Resolve(base, preset)
	if err == nil {
		return s
	}
	log.Error("server: stored vad preset is invalid, using defaults", "err", err)
	return base
}

// reasonLabel reduces a guard reason to its low-cardinality prefix.
func reasonLabel(reason string) string {
	label, _, _ := strings.Cut(reason, ":")
	return label
}
