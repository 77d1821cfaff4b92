// Package api exposes the fleet over HTTP: agent snapshots, mission
// control signals, dispatch queries, telemetry ingest, and a websocket
// event firehose.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skyfleet/fleetcore/internal/dispatch"
	"github.com/skyfleet/fleetcore/internal/entity"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/history"
	"github.com/skyfleet/fleetcore/internal/mission"
	"github.com/skyfleet/fleetcore/internal/schema"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

type Server struct {
	Registry   *entity.Registry
	Bus        *eventbus.Bus
	Dispatcher *dispatch.Dispatcher
	Store      *history.Store
	StartedAt  time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentItem)
	mux.HandleFunc("/api/missions/", s.handleMissionItem)
	mux.HandleFunc("/api/dispatch", s.handleDispatch)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.Registry.AgentIDs()),
		"uptime": time.Since(s.StartedAt).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Dispatcher.List())
	case http.MethodPost:
		var payload struct {
			ID         string           `json:"id"`
			Attributes fleet.Attributes `json:"attributes"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(payload.ID) == "" {
			writeError(w, http.StatusBadRequest, errors.New("id is required"))
			return
		}
		a, err := s.Registry.Enroll(r.Context(), payload.ID, payload.Attributes)
		if err != nil {
			if errors.Is(err, entity.ErrAlreadyEnrolled) {
				writeError(w, http.StatusConflict, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, a.Query())
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}
	agentID := segments[0]
	actor, ok := s.Registry.Get(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("agent"))
		return
	}

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, actor.Query())
		case http.MethodDelete:
			if err := s.Registry.Decommission(r.Context(), agentID); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "assign":
		s.handleAssign(w, r, actor)
	case "approve":
		s.handleSignal(w, r, agentID, schema.SignalApprove)
	case "reject":
		s.handleSignal(w, r, agentID, schema.SignalReject)
	case "emergency-stop":
		s.handleSignal(w, r, agentID, schema.SignalEmergencyStop)
	case "clear-error":
		s.handleSignal(w, r, agentID, schema.SignalClearError)
	case "connectivity":
		s.handleConnectivity(w, r, agentID)
	case "missions":
		s.handleAgentMissions(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("agent action"))
	}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, actor *entity.Actor) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var plan mission.Plan
	if err := decodeJSON(r.Body, &plan); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := actor.AssignMission(r.Context(), plan)
	if err != nil {
		var ae *entity.AssignError
		if errors.As(err, &ae) {
			writeJSON(w, assignStatus(ae.Code), map[string]any{"error": ae.Error(), "code": ae.Code})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusCreated
	if res.PendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func assignStatus(code entity.AssignErrorCode) int {
	switch code {
	case entity.CodeBusy:
		return http.StatusConflict
	case entity.CodeUnreachable:
		return http.StatusServiceUnavailable
	case entity.CodeConstraintViolation:
		return http.StatusUnprocessableEntity
	case entity.CodeCommandTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request, agentID, name string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		DraftID  string `json:"draft_id"`
		Feedback string `json:"feedback"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	evt, err := s.Bus.Publish(r.Context(), eventbus.Event{
		AgentID:  agentID,
		Kind:     schema.KindSignal,
		Priority: schema.SignalPriority(name),
		Signal: &eventbus.OperatorSignal{
			Name:     name,
			DraftID:  payload.DraftID,
			Feedback: payload.Feedback,
		},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": evt.ID, "seq": evt.Seq})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Connected bool `json:"connected"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	evt, err := s.Bus.Publish(r.Context(), eventbus.Event{
		AgentID:      agentID,
		Kind:         schema.KindConnectivity,
		Connectivity: &eventbus.ConnectivityChange{Connected: payload.Connected},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": evt.ID, "seq": evt.Seq})
}

func (s *Server) handleAgentMissions(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	missions, err := s.Store.ListMissions(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, missions)
}

func (s *Server) handleMissionItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	missionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/missions/"), "/")
	if missionID == "" {
		writeError(w, http.StatusNotFound, errNotFound("mission"))
		return
	}
	exec, err := s.Store.GetMission(r.Context(), missionID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, errNotFound("mission"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var query dispatch.Query
	if err := decodeJSON(r.Body, &query); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.Dispatcher.Find(query)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoCandidate) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var sample telemetry.Sample
	if err := decodeJSON(r.Body, &sample); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	evt, err := s.Bus.Publish(r.Context(), eventbus.Event{
		AgentID:   sample.AgentID,
		Kind:      schema.KindTelemetry,
		Telemetry: &sample,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": evt.ID, "seq": evt.Seq})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
