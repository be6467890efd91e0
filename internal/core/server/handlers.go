// internal/core/server/handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/solatis/usbwarden/internal/rules"
	"github.com/solatis/usbwarden/internal/types"
)

type ruleResponse struct {
	ID   types.RuleID `json:"id"`
	Rule string       `json:"rule"`
}

type deviceResponse struct {
	ID         types.DeviceID `json:"id"`
	Target     string         `json:"target"`
	DeviceRule string         `json:"device_rule"`
}

type appendRuleRequest struct {
	Rule     string       `json:"rule"`
	ParentID types.RuleID `json:"parent_id"`
}

type applyPolicyRequest struct {
	Target    string `json:"target"`
	Permanent bool   `json:"permanent"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	listed := s.iface.ListRules(r.URL.Query().Get("query"))

	out := make([]ruleResponse, 0, len(listed))
	for _, rule := range listed {
		out = append(out, ruleResponse{ID: rule.ID, Rule: rules.Format(rule)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppendRule(w http.ResponseWriter, r *http.Request) {
	var req appendRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.iface.AppendRule(req.Rule, req.ParentID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]types.RuleID{"id": id})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	if err := s.iface.RemoveRule(types.RuleID(id)); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	listed := s.iface.ListDevices(r.URL.Query().Get("query"))

	out := make([]deviceResponse, 0, len(listed))
	for _, shape := range listed {
		out = append(out, deviceResponse{
			ID:         types.DeviceID(shape.ID),
			Target:     shape.Target.String(),
			DeviceRule: rules.Format(shape),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApplyDevicePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var req applyPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	target, err := types.ParseTarget(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ruleID, err := s.iface.ApplyDevicePolicy(r.Context(), types.DeviceID(id), target, req.Permanent)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.RuleID{"rule_id": ruleID})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	events, err := s.audit.Recent(limit)
	if err != nil {
		s.log.Error("failed to query audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleNotifications streams the engine's notification feed over a
// websocket. Each notification is one JSON message, in commit order.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	ch, cancel := s.iface.Subscribe(256)
	defer cancel()

	// Reader goroutine surfaces client disconnect; its only job is to
	// unblock the write loop below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case note, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"))
				return
			}
			if err := conn.WriteJSON(note); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// writeAPIError maps the engine's error taxonomy onto HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidRuleSyntax),
		errors.Is(err, types.ErrInvalidTarget),
		errors.Is(err, types.ErrRuleTooLong),
		errors.Is(err, types.ErrTooManySetValues),
		errors.Is(err, types.ErrAttributeTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrUnknownRule),
		errors.Is(err, types.ErrUnknownParent),
		errors.Is(err, types.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
