// Package health exposes the validator node's machine-readable status:
// node_state, last_committed_slot, and degraded_reason over HTTP, a
// Prometheus /metrics page, and a gorilla/websocket push stream of state
// transitions. This replaces the monitoring dashboard the original Python
// implementation exposed (see original_source/_INDEX.md), compressed by
// spec.md's distillation to one line; Non-goals exclude a UI, not a
// machine-readable status feed.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/subnetlabs/subnet-validator/internal/ids"
)

var log = logrus.WithField("prefix", "health")

// NodeState mirrors the node state machine of spec.md §4.9.
type NodeState string

const (
	StateStarting NodeState = "starting"
	StateSyncing  NodeState = "syncing"
	StateActive   NodeState = "active"
	StateDegraded NodeState = "degraded"
	StateStopping NodeState = "stopping"
)

// Status is the current machine-readable snapshot served by the health
// endpoint and pushed to websocket subscribers on every transition.
type Status struct {
	NodeState         NodeState      `json:"node_state"`
	LastCommittedSlot ids.SlotNumber `json:"last_committed_slot"`
	DegradedReason    string         `json:"degraded_reason,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

var (
	nodeStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "subnet_validator_node_state",
		Help: "Current node state as a one-hot gauge (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	lastCommittedSlotGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subnet_validator_last_committed_slot",
		Help: "Slot number of the most recent successful on-chain commit.",
	})
)

// Server is the ambient health/metrics/status endpoint.
type Server struct {
	httpServer *http.Server

	mu          sync.Mutex
	status      Status
	subscribers map[*websocket.Conn]chan Status

	upgrader websocket.Upgrader
}

// New constructs a Server bound to addr, not yet listening.
func New(addr string) *Server {
	s := &Server{
		status:      Status{NodeState: StateStarting, UpdatedAt: time.Now()},
		subscribers: make(map[*websocket.Conn]chan Status),
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz/stream", s.handleStream).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start begins serving in a background goroutine; it does not block.
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Health server stopped unexpectedly")
		}
	}()
	log.WithField("addr", s.httpServer.Addr).Info("Health server listening")
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Status reports the server's own health, satisfying runtime.Service.
func (s *Server) Status() error {
	return nil
}

// SetState updates node_state and degraded_reason, pushing the new status
// to every websocket subscriber.
func (s *Server) SetState(state NodeState, degradedReason string) {
	s.mu.Lock()
	s.status.NodeState = state
	s.status.DegradedReason = degradedReason
	s.status.UpdatedAt = time.Now()
	snapshot := s.status
	s.mu.Unlock()

	for _, name := range []NodeState{StateStarting, StateSyncing, StateActive, StateDegraded, StateStopping} {
		v := 0.0
		if name == state {
			v = 1
		}
		nodeStateGauge.WithLabelValues(string(name)).Set(v)
	}
	s.broadcast(snapshot)
}

// SetLastCommittedSlot records the most recent successful commit slot.
func (s *Server) SetLastCommittedSlot(slot ids.SlotNumber) {
	s.mu.Lock()
	s.status.LastCommittedSlot = slot
	s.status.UpdatedAt = time.Now()
	snapshot := s.status
	s.mu.Unlock()

	lastCommittedSlotGauge.Set(float64(slot))
	s.broadcast(snapshot)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snapshot := s.status
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Failed to upgrade websocket connection")
		return
	}

	ch := make(chan Status, 8)
	s.mu.Lock()
	s.subscribers[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for status := range ch {
		if err := conn.WriteJSON(status); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- status:
		default:
			// Slow subscriber: drop rather than block state transitions.
		}
	}
}
