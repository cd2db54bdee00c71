package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// parsePolicyType accepts the canonical name in any case, with dashes in
// place of underscores.
func parsePolicyType(raw string) (rules.PolicyType, bool) {
	pt := rules.PolicyType(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")))
	return pt, slices.Contains(rules.PolicyTypes(), pt)
}

func invalidPolicyType(w http.ResponseWriter, r *http.Request, raw string) {
	errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeValidation, "unknown policy type: "+raw).
		WithFields(map[string]string{"policyType": "must be one of " + policyTypeList()})
	writeErrorResponse(w, r, http.StatusBadRequest, errResp)
}

func policyTypeList() string {
	types := rules.PolicyTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// handleListRules handles GET /v1/rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	page, size, fields := pageParams(r)
	active, err := queryBool(r, "active")
	if err != nil {
		fields["active"] = err.Error()
	}
	var pt rules.PolicyType
	if raw := r.URL.Query().Get("policyType"); raw != "" {
		var ok bool
		if pt, ok = parsePolicyType(raw); !ok {
			fields["policyType"] = "must be one of " + policyTypeList()
		}
	}
	if len(fields) > 0 {
		errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters").WithFields(fields)
		writeErrorResponse(w, r, http.StatusBadRequest, errResp)
		return
	}

	result, err := s.svc.ListRules(r.Context(), policy.ListRulesFilter{
		PolicyType: pt,
		Active:     active,
		Page:       page,
		Size:       size,
	})
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCreateRule handles POST /v1/rules.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req policy.CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	created, err := s.svc.CreateRule(r.Context(), req)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/rules/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// handleGetRule handles GET /v1/rules/{id}.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule handles PUT /v1/rules/{id}.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req policy.UpdateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	updated, err := s.svc.UpdateRule(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleToggleRule handles POST /v1/rules/{id}/toggle. An optional
// ?active=true|false sets the flag; without it the flag flips.
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters").
			WithFields(map[string]string{"active": err.Error()})
		writeErrorResponse(w, r, http.StatusBadRequest, errResp)
		return
	}
	rule, err := s.svc.ToggleRule(r.Context(), chi.URLParam(r, "id"), active)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleEvaluateRule handles POST /v1/rules/{id}/evaluate.
func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.svc.EvaluateRule(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTestRule handles POST /v1/rules/{id}/test. Test runs are not audited.
func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	input, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.svc.TestRule(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRuleSchema handles GET /v1/rules/{id}/schema.
func (s *Server) handleRuleSchema(w http.ResponseWriter, r *http.Request) {
	sch, err := s.svc.SchemaByRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type generateResponse struct {
	Source string `json:"source"`
}

// handleGenerate handles POST /v1/rules/generate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if !decodeJSON(w, r, &def) {
		return
	}
	src, err := s.svc.Generate(def)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{Source: src})
}

type validateRequest struct {
	Source string `json:"source"`
}

// handleValidate handles POST /v1/rules/validate. An invalid source is a
// successful call with valid=false.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Validate(req.Source))
}
