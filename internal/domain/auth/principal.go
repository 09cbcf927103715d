// Package auth holds the caller identity model: principals derived from
// verified bearer tokens, and admin API key verification.
package auth

import "slices"

// Principal is the authenticated caller derived from a verified token.
// It carries no persistent identity inside the gateway; every request
// rebuilds it from claims.
type Principal struct {
	Subject  string         `json:"subject"`
	Email    string         `json:"email,omitempty"`
	Username string         `json:"username,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Groups   []string       `json:"groups,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// FromClaims extracts the gateway's view of a caller from verified token
// claims: sub, email, preferred_username, realm_access.roles, groups.
// Absent claims yield zero values.
func FromClaims(claims map[string]any) Principal {
	p := Principal{Claims: claims}
	p.Subject, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	p.Username, _ = claims["preferred_username"].(string)
	if ra, ok := claims["realm_access"].(map[string]any); ok {
		p.Roles = stringSlice(ra["roles"])
	}
	p.Groups = stringSlice(claims["groups"])
	return p
}

// HasRole reports whether the principal carries the given realm role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// InGroup reports whether the principal belongs to the given group.
func (p Principal) InGroup(group string) bool {
	return slices.Contains(p.Groups, group)
}

func stringSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return slices.Clone(x)
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
