package policy

import (
	"fmt"
	"net/netip"
	"regexp"
)

// Operator is the comparison applied at a condition leaf.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpMatches        Operator = "matches"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpGreaterThan    Operator = "gt"
	OpLessThan       Operator = "lt"
	OpGreaterOrEqual Operator = "gte"
	OpLessOrEqual    Operator = "lte"
	OpInIPRange      Operator = "in_ip_range"
	OpNotInIPRange   Operator = "not_in_ip_range"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith,
		OpEndsWith, OpMatches, OpIn, OpNotIn, OpGreaterThan, OpLessThan,
		OpGreaterOrEqual, OpLessOrEqual, OpInIPRange, OpNotInIPRange:
		return true
	}
	return false
}

// Condition is one node of a condition tree: either a leaf comparison
// {field, operator, value} or a composite {all} / {any}. Exactly one form
// must be populated.
type Condition struct {
	Field    string       `json:"field,omitempty"`
	Operator Operator     `json:"operator,omitempty"`
	Value    any          `json:"value,omitempty"`
	All      []*Condition `json:"all,omitempty"`
	Any      []*Condition `json:"any,omitempty"`
}

// IsLeaf reports whether the node is a leaf comparison.
func (c *Condition) IsLeaf() bool {
	return c != nil && (c.Field != "" || c.Operator != "")
}

func (c *Condition) clone() *Condition {
	if c == nil {
		return nil
	}
	out := *c
	if c.All != nil {
		out.All = make([]*Condition, len(c.All))
		for i, ch := range c.All {
			out.All[i] = ch.clone()
		}
	}
	if c.Any != nil {
		out.Any = make([]*Condition, len(c.Any))
		for i, ch := range c.Any {
			out.Any[i] = ch.clone()
		}
	}
	return &out
}

// Validate checks structural correctness: every node is exactly one of
// leaf, all, or any, leaves carry a field and a known operator, and
// composites are non-empty. Pattern values are checked by Compile.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("condition is required")
	}
	forms := 0
	if c.IsLeaf() {
		forms++
	}
	if len(c.All) > 0 {
		forms++
	}
	if len(c.Any) > 0 {
		forms++
	}
	if forms != 1 {
		return fmt.Errorf("condition must be exactly one of a comparison, all, or any")
	}
	if c.IsLeaf() {
		if c.Field == "" {
			return fmt.Errorf("condition field is required")
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
		return nil
	}
	for i, ch := range c.All {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i, ch := range c.Any {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	return nil
}

// Compiled is an evaluatable condition tree with regexes and CIDR sets
// resolved. A compiled tree is immutable and safe for concurrent use.
type Compiled struct {
	leaf     bool
	field    string
	op       Operator
	value    any
	values   []any
	re       *regexp.Regexp
	prefixes []netip.Prefix
	all      []*Compiled
	anyOf    []*Compiled
}

// Compile validates the tree and resolves pattern values: regexes for
// matches, CIDR lists for the IP operators, element lists for in/not_in.
// Any invalid pattern rejects the whole tree.
func Compile(c *Condition) (*Compiled, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return compile(c)
}

func compile(c *Condition) (*Compiled, error) {
	if !c.IsLeaf() {
		out := &Compiled{}
		for i, ch := range c.All {
			cc, err := compile(ch)
			if err != nil {
				return nil, fmt.Errorf("all[%d]: %w", i, err)
			}
			out.all = append(out.all, cc)
		}
		for i, ch := range c.Any {
			cc, err := compile(ch)
			if err != nil {
				return nil, fmt.Errorf("any[%d]: %w", i, err)
			}
			out.anyOf = append(out.anyOf, cc)
		}
		return out, nil
	}

	out := &Compiled{leaf: true, field: c.Field, op: c.Operator, value: c.Value}
	switch c.Operator {
	case OpMatches:
		pat, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: matches needs a string pattern", c.Field)
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("field %s: invalid pattern %q: %w", c.Field, pat, err)
		}
		out.re = re
	case OpIn, OpNotIn:
		list, ok := asList(c.Value)
		if !ok {
			return nil, fmt.Errorf("field %s: %s needs a list value", c.Field, c.Operator)
		}
		out.values = list
	case OpInIPRange, OpNotInIPRange:
		list, ok := asList(c.Value)
		if !ok {
			return nil, fmt.Errorf("field %s: %s needs a list of CIDRs", c.Field, c.Operator)
		}
		for _, raw := range list {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("field %s: CIDR entries must be strings", c.Field)
			}
			p, err := parsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("field %s: invalid CIDR %q: %w", c.Field, s, err)
			}
			out.prefixes = append(out.prefixes, p)
		}
	}
	return out, nil
}

// parsePrefix accepts both CIDR notation and bare addresses; a bare
// address becomes a single-host prefix.
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
