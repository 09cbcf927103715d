package httpapi

import (
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
)

// handleListPolicies returns policies matching the query filter.
// GET /api/v1/policies?status=&resource_type=&resource_id=&q=
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := policy.Filter{
		ResourceID: q.Get("resource_id"),
		Query:      q.Get("q"),
	}
	if raw := q.Get("status"); raw != "" {
		status := policy.Status(raw)
		if !status.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		f.Status = status
	}
	if raw := q.Get("resource_type"); raw != "" {
		rt := policy.ResourceType(raw)
		if !rt.Valid() {
			s.respondError(w, http.StatusBadRequest, "unknown resource_type "+strconv.Quote(raw))
			return
		}
		f.ResourceType = rt
	}

	policies, err := s.policies.List(r.Context(), f)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	if policies == nil {
		policies = []*policy.Policy{}
	}
	s.respondJSON(w, http.StatusOK, policies)
}

// handleGetPolicy returns one policy by ID.
// GET /api/v1/policies/{id}
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// handleCreatePolicy stores a new policy. Server-assigned fields in the
// body (IDs, timestamps, version) are ignored.
// POST /api/v1/policies
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	p.PolicyID = ""
	p.Version = 0
	p.CreatedAt, p.UpdatedAt = time.Time{}, time.Time{}

	if err := s.policies.Create(r.Context(), &p); err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, &p)
}

// handleUpdatePolicy replaces a policy. The path ID wins over any ID in
// the body.
// PUT /api/v1/policies/{id}
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	p.PolicyID = r.PathValue("id")

	if err := s.policies.Update(r.Context(), &p); err != nil {
		s.respondFault(w, err)
		return
	}
	updated, err := s.policies.Get(r.Context(), p.PolicyID)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

// handleDeletePolicy removes a policy and its rules and bindings.
// DELETE /api/v1/policies/{id}
func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForVerb maps the lifecycle route suffix to the target status.
var statusForVerb = map[string]policy.Status{
	"activate": policy.StatusActive,
	"suspend":  policy.StatusSuspended,
	"retire":   policy.StatusRetired,
}

// handleSetPolicyStatus serves the activate, suspend, and retire routes.
// POST /api/v1/policies/{id}/{verb}
func (s *Server) handleSetPolicyStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := statusForVerb[path.Base(r.URL.Path)]
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown lifecycle action")
		return
	}
	p, err := s.policies.SetStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

// handleBindResource attaches a policy to a server, tool, or group.
// POST /api/v1/policies/{id}/resources
func (s *Server) handleBindResource(w http.ResponseWriter, r *http.Request) {
	var b policy.ResourceBinding
	if err := readJSON(r, &b); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if err := s.policies.Bind(r.Context(), r.PathValue("id"), b); err != nil {
		s.respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnbindResource detaches a policy from a resource.
// DELETE /api/v1/policies/{id}/resources/{resource_type}/{resource_id}
func (s *Server) handleUnbindResource(w http.ResponseWriter, r *http.Request) {
	b := policy.ResourceBinding{
		ResourceType: policy.ResourceType(r.PathValue("resource_type")),
		ResourceID:   r.PathValue("resource_id"),
	}
	if err := s.policies.Unbind(r.Context(), r.PathValue("id"), b); err != nil {
		s.respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluatePolicy dry-runs the evaluator against a synthetic
// request context. No audit record, no obligations enforced.
// POST /api/v1/policies/evaluate
func (s *Server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var rc policy.RequestContext
	if err := readJSON(r, &rc); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if rc.Request.Time.IsZero() {
		rc.Request.Time = time.Now().UTC()
	}
	decision := s.policies.DryRun(r.Context(), &rc)
	s.respondJSON(w, http.StatusOK, decision)
}

// handleRecentAudit returns the most recent audit records from the
// in-memory cache, newest first.
// GET /api/v1/audit/recent?limit=
func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.respondError(w, http.StatusServiceUnavailable, "audit recorder not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.recorder.Recent(r.Context(), limit)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"dropped": s.recorder.Dropped(),
	})
}
