package policy

import "fmt"

// Validate checks a policy for structural correctness and compiles every
// rule's condition tree, so an invalid regex or CIDR rejects the policy
// before it can reach the store.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("unknown status %q", p.Status)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.RuleID != "" && seen[r.RuleID] {
			return fmt.Errorf("rule %d: duplicate rule_id %q", i, r.RuleID)
		}
		seen[r.RuleID] = true
	}
	for i, s := range p.Scopes {
		if !s.PrincipalType.Valid() {
			return fmt.Errorf("scope %d: unknown principal_type %q", i, s.PrincipalType)
		}
		if s.PrincipalID == "" {
			return fmt.Errorf("scope %d: principal_id is required", i)
		}
	}
	for i, b := range p.Resources {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("resource %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks one rule: a compilable condition tree and a non-empty
// action list with known types. A nil condition tree is legal and the
// rule matches every request.
func (r *Rule) Validate() error {
	if r.Conditions != nil {
		if _, err := Compile(r.Conditions); err != nil {
			return fmt.Errorf("conditions: %w", err)
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("action %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}

// Validate checks a resource binding.
func (b ResourceBinding) Validate() error {
	if !b.ResourceType.Valid() {
		return fmt.Errorf("unknown resource_type %q", b.ResourceType)
	}
	if b.ResourceID == "" {
		return fmt.Errorf("resource_id is required")
	}
	if b.ResourceType == ResourceTool {
		if _, _, ok := SplitToolID(b.ResourceID); !ok {
			return fmt.Errorf("tool resource_id must be %q", "server:tool")
		}
	}
	return nil
}
