// SPDX-License-Identifier: Apache-2.0
// Operator RPC surface: a gorilla/mux router over the coordinator, one
// handler per JSON verb, wrapped in a shared request-logging middleware —
// the interface an operator dashboard or automation talks to instead of the
// cobra commands cmd/cli provides.
package rpcserver

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lnhive/coordinator/hive"
)

var logger = log.New(io.Discard, "[rpcserver] ", log.LstdFlags)

// SetLogger overrides the package-level logger.
func SetLogger(l *log.Logger) { logger = l }

// Server exposes the operator RPC surface over HTTP, delegating every
// mutation to the wrapped coordinator.
type Server struct {
	coord  *hive.Coordinator
	router *mux.Router
}

// New builds a Server with every route registered; callers pass the result
// to http.Serve or embed it as an http.Handler.
func New(coord *hive.Coordinator) *Server {
	s := &Server{coord: coord, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRoute)
	r.HandleFunc("/hive/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/hive/members", s.handleMembers).Methods(http.MethodGet)
	r.HandleFunc("/hive/genesis", s.handleGenesis).Methods(http.MethodPost)
	r.HandleFunc("/hive/invite", s.handleInvite).Methods(http.MethodPost)
	r.HandleFunc("/hive/join", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/hive/vouch", s.handleVouch).Methods(http.MethodPost)
	r.HandleFunc("/hive/promotion/request", s.handleRequestPromotion).Methods(http.MethodPost)
	r.HandleFunc("/hive/actions/pending", s.handlePendingActions).Methods(http.MethodGet)
	r.HandleFunc("/hive/actions/{id}/approve", s.handleApproveAction).Methods(http.MethodPost)
	r.HandleFunc("/hive/actions/{id}/reject", s.handleRejectAction).Methods(http.MethodPost)
	r.HandleFunc("/hive/topology", s.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/hive/contribution/{id}", s.handleContribution).Methods(http.MethodGet)
	r.HandleFunc("/hive/intents/{id}", s.handleIntentStatus).Methods(http.MethodGet)
	r.HandleFunc("/hive/ban", s.handleBan).Methods(http.MethodPost)
	r.Handle("/metrics", s.coord.Metrics.Handler()).Methods(http.MethodGet)
}

func (s *Server) logRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he *hive.Error
	if errors.As(err, &he) {
		switch he.Class {
		case hive.ClassProtocol:
			status = http.StatusBadRequest
		case hive.ClassConsensus, hive.ClassConflict:
			status = http.StatusConflict
		case hive.ClassHostUnavail:
			status = http.StatusServiceUnavailable
		case hive.ClassBoundsExceeded:
			status = http.StatusForbidden
		case hive.ClassStaleData, hive.ClassIntegrity:
			status = http.StatusInternalServerError
		case hive.ClassConfig:
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleStatus reports genesis state and membership counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     s.coord.Ledger.Status(),
		"hive":       s.coord.Ledger.Hive(),
		"members":    s.coord.Ledger.MemberSummary(),
		"sessions":   len(s.coord.Sessions.Snapshot()),
		"fleet_size": len(s.coord.Fleet.Snapshot()),
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Store.ListMembers())
}

func (s *Server) handleGenesis(w http.ResponseWriter, r *http.Request) {
	h, err := s.coord.Ledger.Genesis(s.coord.Identity.NodeID(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ValiditySeconds int    `json:"validity_seconds"`
		Requirements    uint32 `json:"requirements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, hive.ProtocolErr("decode invite request", err))
		return
	}
	validity := time.Duration(req.ValiditySeconds) * time.Second
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	t, err := s.coord.Ledger.IssueInvitation(s.coord.Identity, s.coord.Identity.NodeID(), validity, req.Requirements, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate hive.NodeID          `json:"candidate"`
		Ticket    hive.InvitationTicket `json:"ticket"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, hive.ProtocolErr("decode join request", err))
		return
	}
	m, err := s.coord.Ledger.Join(req.Candidate, req.Ticket, time.Now(), s.coord.Config.ProbationWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleVouch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate hive.NodeID `json:"candidate"`
		Voter     hive.NodeID `json:"voter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, hive.ProtocolErr("decode vouch request", err))
		return
	}
	q, err := s.coord.Ledger.Vouch(req.Candidate, req.Voter)
	if err != nil {
		writeError(w, err)
		return
	}
	if q.HasQuorum() {
		m, err := s.coord.Ledger.CommitPromotion(req.Candidate, q.Voters())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"votes": q.Voters(), "threshold": q.Threshold()})
}

func (s *Server) handleRequestPromotion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidate  hive.NodeID `json:"candidate"`
		NewPeerIDs []string    `json:"new_peer_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, hive.ProtocolErr("decode promotion request", err))
		return
	}
	if err := s.coord.Ledger.ProofOfUtility(req.Candidate, time.Now(), req.NewPeerIDs); err != nil {
		writeError(w, err)
		return
	}
	q := s.coord.Ledger.RequestPromotion(req.Candidate)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"threshold": q.Threshold()})
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	var pending []hive.PendingAction
	for _, a := range s.coord.Store.ListActions() {
		if a.State == hive.ActionAwaitingDecision {
			pending = append(pending, a)
		}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.coord.Actions.Approve(id, s.coord.Identity.NodeID(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRejectAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	a, err := s.coord.Actions.Reject(id, req.Reason, s.coord.Identity.NodeID(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Fleet.Snapshot())
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	id := hive.NodeID(mux.Vars(r)["id"])
	m, ok := s.coord.Store.GetMember(id)
	if !ok {
		writeError(w, hive.ProtocolErr("contribution lookup", errors.New("unknown member")))
		return
	}
	entry, _ := s.coord.Store.GetContribution(s.coord.Identity.NodeID(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":                 m.NodeID,
		"contribution_ratio":      entry.Ratio(),
		"reciprocity_balance":     entry.ReciprocityBalance,
		"sats_forwarded_lifetime": entry.SatsForwardedToPeerLifetime,
		"sats_received_lifetime":  entry.SatsReceivedFromPeerLifetime,
		"uptime_fraction":         m.UptimeFraction,
	})
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, ok := s.coord.Store.GetIntent(id)
	if !ok {
		writeError(w, hive.ProtocolErr("intent lookup", errors.New("unknown intent")))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target     hive.NodeID `json:"target"`
		ReasonCode string      `json:"reason_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, hive.ProtocolErr("decode ban request", err))
		return
	}
	q, err := s.coord.Ledger.ProposeBan(req.Target, s.coord.Identity.NodeID())
	if err != nil {
		writeError(w, err)
		return
	}
	if !q.HasQuorum() {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"votes": q.Voters(), "threshold": q.Threshold()})
		return
	}
	rec, err := s.coord.Ledger.CommitBan(req.Target, req.ReasonCode, q.Voters(), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
