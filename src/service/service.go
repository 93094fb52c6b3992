package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/admin"
	"github.com/trellisnet/trellis/src/consensus"
	"github.com/trellisnet/trellis/src/network"
	"github.com/trellisnet/trellis/src/telemetry"
)

// ConnectionLister exposes the managed connection snapshot. It is satisfied
// by the network Connector.
type ConnectionLister interface {
	ListConnections() ([]network.ConnectionInfo, error)
}

// CircuitProvider exposes committed circuits. It is satisfied by the admin
// Manager.
type CircuitProvider interface {
	Circuits() ([]*admin.Circuit, error)
	Circuit(id string) (*admin.Circuit, error)
}

// ProposalLister exposes the agreement engine's proposal snapshot.
type ProposalLister interface {
	Proposals() []consensus.ProposalInfo
}

// StatsProvider exposes node-level stats.
type StatsProvider interface {
	Stats() map[string]string
}

// EventSource delivers proposal outcome events for the notification relay.
type EventSource interface {
	Subscribe() <-chan admin.Event
}

// Service exposes the node's state over HTTP: stats, connections, circuits,
// proposals, prometheus metrics, and a websocket feed of proposal outcomes.
type Service struct {
	sync.Mutex

	bindAddress string
	stats       StatsProvider
	connections ConnectionLister
	circuits    CircuitProvider
	proposals   ProposalLister
	events      EventSource

	mux      *http.ServeMux
	upgrader websocket.Upgrader

	logger *logrus.Entry
}

// NewService creates the service and registers its handlers.
func NewService(
	bindAddress string,
	stats StatsProvider,
	connections ConnectionLister,
	circuits CircuitProvider,
	proposals ProposalLister,
	events EventSource,
	logger *logrus.Entry,
) *Service {

	service := &Service{
		bindAddress: bindAddress,
		stats:       stats,
		connections: connections,
		circuits:    circuits,
		proposals:   proposals,
		events:      events,
		mux:         http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}

	service.registerHandlers()

	return service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/connections", s.makeHandler(s.GetConnections))
	s.mux.HandleFunc("/circuits", s.makeHandler(s.GetCircuits))
	s.mux.HandleFunc("/circuits/", s.makeHandler(s.GetCircuit))
	s.mux.HandleFunc("/proposals", s.makeHandler(s.GetProposals))
	s.mux.Handle("/metrics", telemetry.Handler())
	s.mux.HandleFunc("/notifications", s.GetNotifications)
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Handler returns the service's mux, mainly for tests and embedding.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	if err := http.ListenAndServe(s.bindAddress, s.mux); err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Stats())
}

// GetConnections ...
func (s *Service) GetConnections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.connections.ListConnections()
	if err != nil {
		s.logger.WithError(err).Error("Listing connections")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(infos)
}

// GetCircuits ...
func (s *Service) GetCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.circuits.Circuits()
	if err != nil {
		s.logger.WithError(err).Error("Listing circuits")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(circuits)
}

// GetCircuit ...
func (s *Service) GetCircuit(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/circuits/")

	circuit, err := s.circuits.Circuit(id)
	if err != nil {
		if err == admin.ErrCircuitNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		s.logger.WithError(err).Errorf("Retrieving circuit %s", id)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(circuit)
}

// GetProposals ...
func (s *Service) GetProposals(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.proposals.Proposals())
}

// GetNotifications upgrades to a websocket and relays proposal outcome
// events until the client goes away or the subscription ends.
func (s *Service) GetNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.events.Subscribe()

	for event := range events {
		if err := conn.WriteJSON(event); err != nil {
			s.logger.WithError(err).Debug("websocket client gone")
			return
		}
	}
}
