package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleEvaluate handles POST /v1/policies/{policyType}/evaluate using the
// active rule of the policy type. An unknown policy type has no active rule
// and is reported as not found.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	pt, _ := parsePolicyType(chi.URLParam(r, "policyType"))
	input, ok := decodeInput(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Evaluate(r.Context(), pt, input)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePolicySchema handles GET /v1/policies/{policyType}/schema.
func (s *Server) handlePolicySchema(w http.ResponseWriter, r *http.Request) {
	pt, _ := parsePolicyType(chi.URLParam(r, "policyType"))
	sch, err := s.svc.Schema(r.Context(), pt)
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// handleMetadata handles GET /v1/metadata.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Metadata())
}
