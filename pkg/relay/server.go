// Package relay is the HTTP and websocket service that devices sync through, and the client
// devices use to reach it.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/potsync/pkg/auth"
	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
)

// Changes is the server side of the change feed, normally a *feed.Bus.
type Changes interface {
	feed.Subscriber
	Append(ctx context.Context, ev feed.ChangeEvent) (bool, error)
	ListChangesSince(ctx context.Context, potID string, since time.Time) ([]feed.ChangeEvent, error)
}

type Server struct {
	gate        *membership.Gate
	changes     Changes
	checkpoints checkpoint.Store
	tokens      *auth.JWTManager
	health      func(ctx context.Context) error
	upgrader    websocket.Upgrader
}

func NewServer(gate *membership.Gate, changes Changes, checkpoints checkpoint.Store, tokens *auth.JWTManager) *Server {
	return &Server{
		gate:        gate,
		changes:     changes,
		checkpoints: checkpoints,
		tokens:      tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// WithHealthCheck sets the probe behind /healthz, usually the store's Ping.
func (s *Server) WithHealthCheck(fn func(ctx context.Context) error) *Server {
	s.health = fn
	return s
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	r.Methods(http.MethodPost).Path("/pots/{pot}").Handler(s.authed(s.bootstrap))
	r.Methods(http.MethodPost).Path("/pots/{pot}/invitations/accept").Handler(s.authed(s.acceptInvitation))

	r.Methods(http.MethodGet).Path("/pots/{pot}/members").Handler(s.member(s.listMembers))
	r.Methods(http.MethodGet).Path("/pots/{pot}/members/{user}").Handler(s.member(s.getMember))
	r.Methods(http.MethodPost).Path("/pots/{pot}/members").Handler(s.member(s.addMember))
	r.Methods(http.MethodDelete).Path("/pots/{pot}/members/{user}").Handler(s.member(s.removeMember))
	r.Methods(http.MethodPost).Path("/pots/{pot}/invitations").Handler(s.member(s.invite))

	r.Methods(http.MethodGet).Path("/pots/{pot}/checkpoints/latest").Handler(s.member(s.latestCheckpoint))
	r.Methods(http.MethodGet).Path("/pots/{pot}/checkpoints").Handler(s.member(s.listCheckpoints))
	r.Methods(http.MethodPost).Path("/pots/{pot}/checkpoints").Handler(s.member(s.insertCheckpoint))
	r.Methods(http.MethodDelete).Path("/pots/{pot}/checkpoints/{id}").Handler(s.member(s.deleteCheckpoint))

	r.Methods(http.MethodGet).Path("/pots/{pot}/changes").Handler(s.member(s.listChanges))
	r.Methods(http.MethodPost).Path("/pots/{pot}/changes").Handler(s.member(s.appendChange))
	r.Methods(http.MethodGet).Path("/pots/{pot}/feed").Handler(s.member(s.streamFeed))
	return r
}

func accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		route := "unmatched"
		if current := mux.CurrentRoute(request); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		requestsCounter.WithLabelValues(request.Method, route, strconv.Itoa(m.Code)).Inc()
		slog.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// authed requires a valid bearer token and puts the user in the request context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), claims.UserID)))
	})
}

// member additionally requires an active membership of the pot in the path.
func (s *Server) member(next http.HandlerFunc) http.Handler {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFromContext(r.Context())
		if !s.gate.IsMember(r.Context(), mux.Vars(r)["pot"], user) {
			writeError(w, http.StatusForbidden, membership.ErrForbidden)
			return
		}
		next(w, r)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, membership.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, membership.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, membership.ErrNotFound), errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrInvalidEvent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
