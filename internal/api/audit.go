package api

import (
	"net/http"

	"github.com/TimurManjosov/gopolicy/internal/policy"
)

// handleListAudit handles GET /v1/audit?policyType=&ruleId=&page=&size=.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	page, size, fields := pageParams(r)
	if len(fields) > 0 {
		errResp := NewErrorResponse(http.StatusBadRequest, ErrCodeBadRequest, "Invalid query parameters").WithFields(fields)
		writeErrorResponse(w, r, http.StatusBadRequest, errResp)
		return
	}
	q := r.URL.Query()
	pt := q.Get("policyType")
	if pt != "" {
		parsed, ok := parsePolicyType(pt)
		if !ok {
			invalidPolicyType(w, r, pt)
			return
		}
		pt = string(parsed)
	}
	result, err := s.svc.ListAudit(r.Context(), policy.AuditFilter{
		PolicyType: pt,
		RuleID:     q.Get("ruleId"),
		Page:       page,
		Size:       size,
	})
	if err != nil {
		DomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
