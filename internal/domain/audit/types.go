// Package audit contains the structured audit record schema and the
// store port it is written through.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// EventType classifies an audit record.
type EventType string

const (
	// EventAuthRejected is an authentication failure before resolution.
	EventAuthRejected EventType = "auth_rejected"
	// EventMCPRequest is a tool listing or invocation through the pipeline.
	EventMCPRequest EventType = "mcp_request"
	// EventPolicyViolation is a deny decision from the evaluator.
	EventPolicyViolation EventType = "policy_violation"
	// EventAdapterEvent is a supervisor lifecycle event: conversion,
	// stop, crash.
	EventAdapterEvent EventType = "adapter_event"
)

// Decision values recorded on mcp_request and policy_violation events.
const (
	// DecisionAllow indicates the request was permitted.
	DecisionAllow = "allow"
	// DecisionDeny indicates the request was blocked.
	DecisionDeny = "deny"
)

// Record is one audit line: exactly one per request regardless of
// outcome, serialized as a single JSON object per line.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	TraceID          string    `json:"trace_id"`
	EventType        EventType `json:"event_type"`
	PrincipalSubject string    `json:"principal_subject,omitempty"`
	PrincipalEmail   string    `json:"principal_email,omitempty"`
	Server           string    `json:"server,omitempty"`
	Tool             string    `json:"tool,omitempty"`
	// ParametersHash is the opaque digest of the invocation payload.
	ParametersHash string `json:"parameters_hash,omitempty"`
	// Parameters carries the redacted raw payload only when the
	// deployment opts in.
	Parameters     map[string]any `json:"parameters,omitempty"`
	Decision       string         `json:"decision,omitempty"`
	PolicyID       string         `json:"policy_id,omitempty"`
	RuleID         string         `json:"rule_id,omitempty"`
	Obligations    []string       `json:"obligations,omitempty"`
	ResponseStatus int            `json:"response_status,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
}

// HashParameters digests an invocation payload into the opaque form
// records carry by default. Keys are ordered so equal payloads hash
// equally regardless of map iteration order.
func HashParameters(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		if raw, err := json.Marshal(params[k]); err == nil {
			_, _ = h.Write(raw)
		}
		_, _ = h.WriteString(";")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// sensitiveKeywords lists substrings that indicate a sensitive parameter
// key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

const redactedPlaceholder = "***REDACTED***"

// RedactSensitiveParams returns a copy of params with values under
// sensitive keys replaced, recursing into nested objects. Applied before
// raw parameter capture so secrets never reach the log.
func RedactSensitiveParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactSensitiveParams(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
