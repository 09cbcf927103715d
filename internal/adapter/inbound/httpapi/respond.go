package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/wardengate/wardengate/internal/domain/fault"
)

// respondJSON writes a JSON response with the given status code.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response failed", "error", err)
	}
}

// respondError writes a JSON error body with the given status code.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondFault maps a domain error onto its HTTP status. Only the
// caller-visible message leaves the process; wrapped causes stay in the
// logs.
func (s *Server) respondFault(w http.ResponseWriter, err error) {
	s.respondError(w, fault.HTTPStatus(fault.KindOf(err)), fault.MessageOf(err))
}

// readJSON decodes the request body into v, rejecting unknown fields so
// typos in admin payloads fail loudly instead of silently dropping.
func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// jsonBody marshals v for embedding in an SSE frame.
func jsonBody(v any) ([]byte, error) {
	return json.Marshal(v)
}
