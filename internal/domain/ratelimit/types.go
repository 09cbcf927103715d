// Package ratelimit enforces rate_limit obligations attached to policy
// decisions.
package ratelimit

import "fmt"

// paramRequestsPerMinute is the only rate_limit params shape this
// deployment honors. Anything else fails closed as an unmet obligation.
const paramRequestsPerMinute = "requests_per_minute"

// PerMinuteFromParams extracts the requests-per-minute setting from a
// rate_limit action's params. The second result is false when the params
// carry no usable setting.
func PerMinuteFromParams(params map[string]any) (int, bool) {
	v, ok := params[paramRequestsPerMinute]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		if x > 0 && x == float64(int(x)) {
			return int(x), true
		}
	case int:
		if x > 0 {
			return x, true
		}
	case int64:
		if x > 0 {
			return int(x), true
		}
	}
	return 0, false
}

// Key identifies one token bucket: a policy rule applied to one caller.
// Format: "{policy}:{rule}:{subject}".
func Key(policyID, ruleID, subject string) string {
	return fmt.Sprintf("%s:%s:%s", policyID, ruleID, subject)
}
