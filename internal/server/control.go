package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bloom-nucleus/synapse/internal/bridge"
	"github.com/bloom-nucleus/synapse/internal/constants"
	"github.com/bloom-nucleus/synapse/internal/eventbus"
	"github.com/bloom-nucleus/synapse/internal/protocol"
	"github.com/bloom-nucleus/synapse/internal/version"
)

const maxControlBody = 1 << 20

// Bridge is the part of the bridge manager the control surface uses.
type Bridge interface {
	Status() bridge.Status
	CheckStatus() bridge.CheckResult
	ForwardEvent(ctx context.Context, event eventbus.PageEvent) error
	Request(ctx context.Context, kind protocol.Kind, target string, payload any) (json.RawMessage, error)
}

// HostRequest is the body of POST /v1/host/request.
type HostRequest struct {
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Timeout string          `json:"timeout,omitempty"`
}

// HostReply is the response of POST /v1/host/request.
type HostReply struct {
	Payload json.RawMessage `json:"payload"`
}

// VersionResponse is the body of GET /v1/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ControlServer is the local HTTP control surface of the daemon.
type ControlServer struct {
	bridge Bridge
	hub    *Hub
	mux    *http.ServeMux
}

// NewControlServer wires the control routes. hub may be nil when the
// actuator endpoint is disabled.
func NewControlServer(b Bridge, hub *Hub) *ControlServer {
	s := &ControlServer{bridge: b, hub: hub, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /v1/status/check", s.handleCheck)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/version", s.handleVersion)
	s.mux.HandleFunc("POST /v1/events", s.handleEvent)
	s.mux.HandleFunc("POST /v1/host/request", s.handleHostRequest)
	s.mux.HandleFunc("GET /v1/actuators", s.handleActuators)
	if hub != nil {
		s.mux.HandleFunc("GET /v1/actuator", hub.HandleWebSocket)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *ControlServer) Handler() http.Handler {
	return s.mux
}

func (s *ControlServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.CheckStatus())
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status().Snapshot(protocol.KindConnectionUpdate))
}

func (s *ControlServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: version.String()})
}

func (s *ControlServer) handleActuators(w http.ResponseWriter, r *http.Request) {
	list := []ActuatorInfo{}
	if s.hub != nil {
		list = s.hub.Actuators()
	}
	writeJSON(w, http.StatusOK, map[string]any{"actuators": list})
}

// handleEvent forwards a page event to the host. Sender context may be
// given with the actuator_id, tab_id and url query parameters.
func (s *ControlServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeError(w, http.StatusBadRequest, "event must be a json object")
		return
	}

	q := r.URL.Query()
	sender := eventbus.PageSender{ActuatorID: q.Get("actuator_id"), URL: q.Get("url")}
	if raw := strings.TrimSpace(q.Get("tab_id")); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tab_id")
			return
		}
		sender.TabID = id
	}

	err = s.bridge.ForwardEvent(r.Context(), eventbus.PageEvent{Sender: sender, Event: body})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]bool{"forwarded": true})
	case bridge.IsNotConnected(err):
		writeError(w, http.StatusServiceUnavailable, bridge.ErrNotConnected.Error())
	default:
		writeError(w, statusFor(err), err.Error())
	}
}

func (s *ControlServer) handleHostRequest(w http.ResponseWriter, r *http.Request) {
	var req HostRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	timeout := constants.HostRequestTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	reply, err := s.bridge.Request(ctx, protocol.ParseKind(req.Type), req.Target, payload)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HostReply{Payload: reply})
}

func statusFor(err error) int {
	var connectErr *bridge.ConnectError
	switch {
	case bridge.IsNotConnected(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &connectErr), errors.Is(err, bridge.ErrStopped):
		return http.StatusBadGateway
	}
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
