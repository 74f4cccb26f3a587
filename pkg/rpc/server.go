package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
)

// Membership is the inbound half of the peer protocol, implemented by
// *gossip.Service.
type Membership interface {
	Self() gossip.Identity
	Ping(ctx context.Context) bool
	PingRequest(ctx context.Context, target gossip.Identity) bool
	StateSync(ctx context.Context, from gossip.Identity, st gossip.State) (gossip.State, error)
}

// Coordinator executes batches against local storage.
type Coordinator interface {
	Coordinate(ctx context.Context, b kv.Batch) (*kv.BatchResponse, error)
}

type Server struct {
	members Membership
	store   Coordinator
	lg      *zap.Logger
}

func NewServer(members Membership, store Coordinator, lg *zap.Logger) *Server {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Server{members: members, store: store, lg: lg}
}

// Register mounts the peer routes on r.
func (s *Server) Register(r *mux.Router) {
	r.Handle(PathPing, telemetry.Instrument("peer_ping", http.HandlerFunc(s.ping))).Methods(http.MethodPost)
	r.Handle(PathPingRequest, telemetry.Instrument("peer_ping_request", http.HandlerFunc(s.pingRequest))).Methods(http.MethodPost)
	r.Handle(PathStateSync, telemetry.Instrument("peer_state_sync", http.HandlerFunc(s.stateSync))).Methods(http.MethodPost)
	r.Handle(PathCoordinate, telemetry.Instrument("peer_coordinate", http.HandlerFunc(s.coordinate))).Methods(http.MethodPost)
}

// Handler returns a router serving only the peer routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ack{Ack: s.members.Ping(r.Context())})
}

func (s *Server) pingRequest(w http.ResponseWriter, r *http.Request) {
	var in PingTarget
	if !s.decode(w, r, &in) {
		return
	}
	target, err := in.Identity()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Ack{Ack: s.members.PingRequest(r.Context(), target)})
}

func (s *Server) stateSync(w http.ResponseWriter, r *http.Request) {
	var in StateMessage
	if !s.decode(w, r, &in) {
		return
	}
	from, st, err := in.Decode()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	merged, err := s.members.StateSync(r.Context(), from, st)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateMessageOf(s.members.Self(), merged))
}

func (s *Server) coordinate(w http.ResponseWriter, r *http.Request) {
	var in CoordinateRequest
	if !s.decode(w, r, &in) {
		return
	}
	b, err := in.Batch()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.store.Coordinate(r.Context(), b)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CoordinateResponseOf(res))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", kv.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.lg.Warn("peer request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.lg.Info("peer request rejected", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr), zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// WriteJSON is shared with the client-facing handlers.
func WriteJSON(w http.ResponseWriter, code int, v any) { writeJSON(w, code, v) }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error from the membership or storage layer to an HTTP
// status code.
func StatusOf(err error) int { return statusOf(err) }
