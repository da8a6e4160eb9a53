package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/rules"
)

var ruleKinds = []string{
	models.RuleKindAgent,
	models.RuleKindGroup,
	models.RuleKindDirection,
	models.RuleKindNumber,
	models.RuleKindBasicCallEvent,
	models.RuleKindAdvanced,
}

var ruleDirections = []string{"", "all", "inbound", "outbound"}

// ruleRequest is the JSON body for creating or updating a recording rule.
type ruleRequest struct {
	Name            string          `json:"name"`
	Priority        int             `json:"priority"`
	Kind            string          `json:"kind"`
	DirectionFilter string          `json:"direction_filter"`
	Conditions      json.RawMessage `json:"conditions"`
	RecordPercent   *int            `json:"record_percent"`
	Active          *bool           `json:"active"`
}

// ruleResponse is the JSON response for a single recording rule.
type ruleResponse struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Priority        int             `json:"priority"`
	Kind            string          `json:"kind"`
	DirectionFilter string          `json:"direction_filter"`
	Conditions      json.RawMessage `json:"conditions"`
	RecordPercent   int             `json:"record_percent"`
	Active          bool            `json:"active"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

func toRuleResponse(r *models.RecordingRule) ruleResponse {
	cond := json.RawMessage(r.Conditions)
	if len(cond) == 0 || !json.Valid(cond) {
		cond = json.RawMessage("{}")
	}
	return ruleResponse{
		ID:              r.ID,
		Name:            r.Name,
		Priority:        r.Priority,
		Kind:            r.Kind,
		DirectionFilter: r.DirectionFilter,
		Conditions:      cond,
		RecordPercent:   r.RecordPercent,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func validateRuleRequest(req ruleRequest) string {
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		return msg
	}
	if !slices.Contains(ruleKinds, req.Kind) {
		return "kind is not a known rule kind"
	}
	if !slices.Contains(ruleDirections, req.DirectionFilter) {
		return "direction_filter must be all, inbound or outbound"
	}
	if msg := validateIntRange("record_percent", req.RecordPercent, 0, 100); msg != "" {
		return msg
	}
	if len(req.Conditions) > maxConditionsLen {
		return "conditions exceeds maximum length"
	}
	return ""
}

// apply copies the request onto rule, keeping rule's values for omitted
// optional fields.
func (req ruleRequest) apply(rule *models.RecordingRule) {
	rule.Name = req.Name
	rule.Priority = req.Priority
	rule.Kind = req.Kind
	rule.DirectionFilter = req.DirectionFilter
	if rule.DirectionFilter == "" {
		rule.DirectionFilter = "all"
	}
	if len(req.Conditions) > 0 && string(req.Conditions) != "null" {
		rule.Conditions = string(req.Conditions)
	} else if rule.Conditions == "" {
		rule.Conditions = "{}"
	}
	if req.RecordPercent != nil {
		rule.RecordPercent = *req.RecordPercent
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
}

// handleListRules returns every rule in evaluation order.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.RuleRepo.List(r.Context())
	if err != nil {
		s.logger.Error("list rules: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]ruleResponse, len(list))
	for i := range list {
		items[i] = toRuleResponse(&list[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetRule returns a single rule.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

// handleCreateRule creates a recording rule.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRuleRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rule := &models.RecordingRule{RecordPercent: 100, Active: true}
	req.apply(rule)

	if err := s.Rules.SaveRule(r.Context(), rule); err != nil {
		s.writeRuleSaveError(w, "create rule", err)
		return
	}

	created, err := s.RuleRepo.GetByID(r.Context(), rule.ID)
	if err != nil || created == nil {
		s.logger.Error("create rule: failed to reload", "error", err, "rule_id", rule.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording rule created", "rule_id", rule.ID, "name", rule.Name, "kind", rule.Kind)
	writeJSON(w, http.StatusCreated, toRuleResponse(created))
}

// handleUpdateRule replaces a rule's definition.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}

	var req ruleRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateRuleRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.apply(rule)

	if err := s.Rules.SaveRule(r.Context(), rule); err != nil {
		s.writeRuleSaveError(w, "update rule", err)
		return
	}

	updated, err := s.RuleRepo.GetByID(r.Context(), rule.ID)
	if err != nil || updated == nil {
		s.logger.Error("update rule: failed to reload", "error", err, "rule_id", rule.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording rule updated", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusOK, toRuleResponse(updated))
}

// handleDeleteRule removes a rule.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}

	if err := s.Rules.DeleteRule(r.Context(), rule.ID); err != nil {
		s.logger.Error("delete rule: failed", "error", err, "rule_id", rule.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording rule deleted", "rule_id", rule.ID, "name", rule.Name)
	w.WriteHeader(http.StatusNoContent)
}

// writeRuleSaveError distinguishes invalid conditions, which SaveRule
// rejects before touching the database, from storage failures.
func (s *Server) writeRuleSaveError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, rules.ErrInvalidConditions) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error(op+": failed to save", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) loadRule(w http.ResponseWriter, r *http.Request) (*models.RecordingRule, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return nil, false
	}
	rule, err := s.RuleRepo.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load rule", "error", err, "rule_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule not found")
		return nil, false
	}
	return rule, true
}
