package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/astromechza/potsync/pkg/auth"
	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/feed"
	"github.com/astromechza/potsync/pkg/membership"
)

// MemberRequest is the body of add-member and invite calls.
type MemberRequest struct {
	UserID string          `json:"userId"`
	Role   membership.Role `json:"role"`
}

func userOf(r *http.Request) string {
	user, _ := auth.UserFromContext(r.Context())
	return user
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}

func (s *Server) bootstrap(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gate.Bootstrap(r.Context(), mux.Vars(r)["pot"], userOf(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gate.AcceptInvitation(r.Context(), mux.Vars(r)["pot"], userOf(r))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	recs, err := s.gate.List(r.Context(), mux.Vars(r)["pot"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.gate.Get(r.Context(), vars["pot"], vars["user"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.gate.AddMember(r.Context(), mux.Vars(r)["pot"], userOf(r), req.UserID, req.Role)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := s.gate.RemoveMember(r.Context(), vars["pot"], userOf(r), vars["user"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) invite(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.gate.Invite(r.Context(), mux.Vars(r)["pot"], userOf(r), req.UserID, req.Role)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) latestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.checkpoints.LatestCheckpoint(r.Context(), mux.Vars(r)["pot"])
	if errors.Is(err, checkpoint.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	} else if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	list, err := s.checkpoints.ListCheckpoints(r.Context(), mux.Vars(r)["pot"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	for i := range list {
		list[i].Snapshot = nil
	}
	if list == nil {
		list = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) insertCheckpoint(w http.ResponseWriter, r *http.Request) {
	var cp checkpoint.Checkpoint
	if err := decodeBody(w, r, &cp); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cp.PotID = mux.Vars(r)["pot"]
	cp.CreatedBy = userOf(r)
	if cp.ID == "" || len(cp.Snapshot) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("checkpoint needs an id and a snapshot"))
		return
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := s.checkpoints.InsertCheckpoint(r.Context(), cp); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	cp.Snapshot = nil
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.checkpoints.DeleteCheckpoint(r.Context(), vars["pot"], vars["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad since: %w", err))
			return
		}
		since = t
	}
	evs, err := s.changes.ListChangesSince(r.Context(), mux.Vars(r)["pot"], since)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if evs == nil {
		evs = []feed.ChangeEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) appendChange(w http.ResponseWriter, r *http.Request) {
	var ev feed.ChangeEvent
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pot := mux.Vars(r)["pot"]
	if ev.PotID == "" {
		ev.PotID = pot
	} else if ev.PotID != pot {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: pot %q does not match path", feed.ErrInvalidEvent, ev.PotID))
		return
	}
	ev.UserID = userOf(r)
	inserted, err := s.changes.Append(r.Context(), ev)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if inserted {
		appendedCounter.WithLabelValues("inserted").Inc()
		slog.Debug("change appended", "pot", pot, "hash", ev.Hash, "user", ev.UserID)
		w.WriteHeader(http.StatusCreated)
		return
	}
	appendedCounter.WithLabelValues("duplicate").Inc()
	w.WriteHeader(http.StatusOK)
}
