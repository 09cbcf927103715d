package policy

import (
	"net/netip"
	"reflect"
	"strconv"
	"strings"
)

// Fields is the flattened request context a condition tree is evaluated
// against. Nested maps are addressed with dotted paths.
type Fields map[string]any

// Lookup resolves a dotted path. The second result reports presence; an
// explicit nil value counts as absent.
func (f Fields) Lookup(path string) (any, bool) {
	var cur any = map[string]any(f)
	for path != "" {
		var key string
		key, path, _ = strings.Cut(path, ".")
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Eval evaluates the compiled tree against the given fields. A missing
// field fails every operator except not_equals; coercion failures are
// non-matches. Eval never panics on well-formed compiled trees.
func (c *Compiled) Eval(fields Fields) bool {
	if c == nil {
		return false
	}
	if c.leaf {
		return c.evalLeaf(fields)
	}
	if len(c.all) > 0 {
		for _, ch := range c.all {
			if !ch.Eval(fields) {
				return false
			}
		}
		return true
	}
	for _, ch := range c.anyOf {
		if ch.Eval(fields) {
			return true
		}
	}
	return false
}

func (c *Compiled) evalLeaf(fields Fields) bool {
	got, present := fields.Lookup(c.field)

	// Absence semantics: not_equals holds on a missing field, every
	// other operator fails.
	if c.op == OpNotEquals {
		if !present {
			return true
		}
		return !looseEqual(got, c.value)
	}
	if !present {
		return false
	}

	switch c.op {
	case OpEquals:
		return looseEqual(got, c.value)
	case OpContains:
		return containsValue(got, c.value)
	case OpNotContains:
		return !containsValue(got, c.value)
	case OpStartsWith:
		s, ok1 := asString(got)
		p, ok2 := asString(c.value)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case OpEndsWith:
		s, ok1 := asString(got)
		p, ok2 := asString(c.value)
		return ok1 && ok2 && strings.HasSuffix(s, p)
	case OpMatches:
		s, ok := asString(got)
		return ok && c.re.MatchString(s)
	case OpIn:
		return inList(got, c.values)
	case OpNotIn:
		return !inList(got, c.values)
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		a, ok1 := toFloat(got)
		b, ok2 := toFloat(c.value)
		if !ok1 || !ok2 {
			return false
		}
		switch c.op {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpInIPRange:
		return c.ipInRanges(got)
	case OpNotInIPRange:
		addr, ok := parseAddrValue(got)
		if !ok {
			return false
		}
		return !c.addrInRanges(addr)
	}
	return false
}

func (c *Compiled) ipInRanges(v any) bool {
	addr, ok := parseAddrValue(v)
	if !ok {
		return false
	}
	return c.addrInRanges(addr)
}

func (c *Compiled) addrInRanges(addr netip.Addr) bool {
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddrValue(v any) (netip.Addr, bool) {
	s, ok := asString(v)
	if !ok {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// containsValue: substring on string fields, membership on list fields.
func containsValue(field, needle any) bool {
	if s, ok := field.(string); ok {
		n, ok := asString(needle)
		return ok && strings.Contains(s, n)
	}
	list, ok := asList(field)
	if !ok {
		return false
	}
	for _, el := range list {
		if looseEqual(el, needle) {
			return true
		}
	}
	return false
}

// inList: membership for scalar fields, non-empty intersection for list
// fields.
func inList(field any, values []any) bool {
	if list, ok := asList(field); ok {
		for _, el := range list {
			for _, v := range values {
				if looseEqual(el, v) {
					return true
				}
			}
		}
		return false
	}
	for _, v := range values {
		if looseEqual(field, v) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars across JSON representations: numbers and
// numeric strings compare numerically, strings and bools by value.
func looseEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	as, aok := scalarString(a)
	bs, bok := scalarString(b)
	if aok && bok {
		return as == bs
	}
	return reflect.DeepEqual(a, b)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
