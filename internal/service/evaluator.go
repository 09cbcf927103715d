package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wardengate/wardengate/internal/domain/policy"
)

// defaultDecisionCacheSize bounds the decision cache unless overridden.
const defaultDecisionCacheSize = 1000

// compiledRule pairs a rule with its pre-compiled condition tree.
// cond is nil for rules without conditions; those match every request.
type compiledRule struct {
	rule *policy.Rule
	cond *policy.Compiled
}

// CompiledPolicy is one policy ready for evaluation: cloned from the
// store so later store mutations cannot alias it, rules sorted in
// evaluation order, condition trees compiled.
type CompiledPolicy struct {
	Policy *policy.Policy
	rules  []compiledRule
}

// CompiledTables is the immutable snapshot stored in atomic.Value.
// Every bucket is ordered by priority descending, policy ID ascending.
// A policy with several bindings appears in several buckets; the merge
// step deduplicates by policy ID.
type CompiledTables struct {
	ByTool   map[string][]*CompiledPolicy // keyed "server:tool"
	ByServer map[string][]*CompiledPolicy
	ByGroup  map[string][]*CompiledPolicy
	Global   []*CompiledPolicy
}

// candidates merges the tool, server, group, and global buckets for one
// request, deduplicating by policy ID with first occurrence winning.
// groupID is empty unless the request arrived through a group gateway.
func (t *CompiledTables) candidates(server, tool, groupID string) []*CompiledPolicy {
	var merged []*CompiledPolicy
	seen := make(map[string]bool)
	add := func(list []*CompiledPolicy) {
		for _, cp := range list {
			if seen[cp.Policy.PolicyID] {
				continue
			}
			seen[cp.Policy.PolicyID] = true
			merged = append(merged, cp)
		}
	}
	add(t.ByTool[policy.ToolID(server, tool)])
	add(t.ByServer[server])
	if groupID != "" {
		add(t.ByGroup[groupID])
	}
	add(t.Global)
	sortCandidates(merged)
	return merged
}

func sortCandidates(list []*CompiledPolicy) {
	slices.SortStableFunc(list, func(a, b *CompiledPolicy) int {
		if a.Policy.Priority != b.Policy.Priority {
			return b.Policy.Priority - a.Policy.Priority
		}
		return strings.Compare(a.Policy.PolicyID, b.Policy.PolicyID)
	})
}

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// decisionCache is a bounded LRU for evaluation results. Get and Put
// both mutate recency order, so a plain mutex guards everything.
// Entries are generation-stamped: Clear bumps the generation, and a Put
// carrying an older generation is discarded, so an evaluation that ran
// against a pre-reload snapshot cannot re-seed the cache after the
// reload cleared it.
type decisionCache struct {
	mu      sync.Mutex
	gen     uint64
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// newDecisionCache creates an LRU cache. A size of zero or less
// disables caching entirely.
func newDecisionCache(maxSize int) *decisionCache {
	if maxSize < 0 {
		maxSize = 0
	}
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get returns a cached decision and promotes it to most recently used.
func (c *decisionCache) Get(key uint64) (policy.Decision, bool) {
	if c.maxSize == 0 {
		return policy.Decision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Generation returns the current cache generation. Callers read it
// before evaluating and hand it back to Put.
func (c *decisionCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Put stores a decision, evicting the least recently used entry at
// capacity. Decisions computed against an older generation are dropped.
func (c *decisionCache) Put(gen, key uint64, decision policy.Decision) {
	if c.maxSize == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}
	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache and advances the generation. Called whenever
// the compiled tables swap.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current number of cached decisions.
func (c *decisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// cacheKey hashes everything a condition can observe about a request,
// except the trace ID, which is unique per request and would defeat
// caching. Request time is bucketed to the minute so time-conditioned
// policies go stale within a minute instead of never. The second result
// is false when the context cannot be hashed deterministically.
func cacheKey(groupID string, rc *policy.RequestContext) (uint64, bool) {
	principal, err := json.Marshal(rc.Principal)
	if err != nil {
		return 0, false
	}
	var payload []byte
	if len(rc.Payload) > 0 {
		payload, err = json.Marshal(rc.Payload)
		if err != nil {
			return 0, false
		}
	}

	h := xxhash.New()
	sep := []byte{0}
	_, _ = h.WriteString(groupID)
	_, _ = h.Write(sep)
	_, _ = h.Write(principal)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Server.Name)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Server.Transport)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Server.AuthMethod)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(strings.Join(rc.Server.Tags, ","))
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Tool)
	_, _ = h.Write(sep)
	_, _ = h.Write(payload)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Request.IP)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(rc.Request.Time.UTC().Truncate(time.Minute).Format(time.RFC3339))
	return h.Sum64(), true
}

// Evaluator decides requests against the active policy set. The hot
// path is lock-free: compiled tables live behind an atomic.Value and
// every mutation publishes a fresh snapshot, so concurrent evaluations
// never observe a half-built table.
type Evaluator struct {
	store    policy.Store
	logger   *slog.Logger
	failOpen bool

	snapshot atomic.Value // stores *CompiledTables
	mu       sync.Mutex   // serializes snapshot writers
	cache    *decisionCache

	allowCount atomic.Uint64
	denyCount  atomic.Uint64
	faultCount atomic.Uint64
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithDecisionCacheSize bounds the decision cache. Zero disables it.
func WithDecisionCacheSize(size int) EvaluatorOption {
	return func(e *Evaluator) {
		e.cache = newDecisionCache(size)
	}
}

// WithFailOpen inverts the no-match default from deny to allow. The
// shipped default is deny; leave it that way outside of migrations.
func WithFailOpen(failOpen bool) EvaluatorOption {
	return func(e *Evaluator) {
		e.failOpen = failOpen
	}
}

// NewEvaluator loads and compiles the policy set. A store failure here
// is fatal: the gateway must not serve traffic without a policy
// snapshot. Individual policies that fail to compile are rejected and
// logged; the rest of the set still loads.
func NewEvaluator(ctx context.Context, store policy.Store, logger *slog.Logger, opts ...EvaluatorOption) (*Evaluator, error) {
	e := &Evaluator{
		store:  store,
		logger: logger,
		cache:  newDecisionCache(defaultDecisionCacheSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	tables, total, err := e.compile(ctx)
	if err != nil {
		return nil, err
	}
	e.snapshot.Store(tables)

	logger.Info("policy evaluator initialized",
		"policies", total,
		"tool_bindings", len(tables.ByTool),
		"server_bindings", len(tables.ByServer),
		"group_bindings", len(tables.ByGroup),
		"global_policies", len(tables.Global),
	)
	return e, nil
}

// Reload rebuilds the compiled tables from the store and clears the
// decision cache. Safe to call concurrently with Evaluate: readers keep
// the old snapshot until the new one is published. On store failure the
// previous tables remain in force.
func (e *Evaluator) Reload(ctx context.Context) error {
	tables, total, err := e.compile(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snapshot.Store(tables)
	e.mu.Unlock()
	e.cache.Clear()

	e.logger.Info("policy evaluator reloaded",
		"policies", total,
		"tool_bindings", len(tables.ByTool),
		"server_bindings", len(tables.ByServer),
		"group_bindings", len(tables.ByGroup),
		"global_policies", len(tables.Global),
	)
	return nil
}

// compile loads every policy and builds the lookup tables. Compilation
// happens outside any lock; the caller publishes the result.
func (e *Evaluator) compile(ctx context.Context) (*CompiledTables, int, error) {
	policies, err := e.store.List(ctx, policy.Filter{})
	if err != nil {
		return nil, 0, fmt.Errorf("load policies: %w", err)
	}

	tables := &CompiledTables{
		ByTool:   make(map[string][]*CompiledPolicy),
		ByServer: make(map[string][]*CompiledPolicy),
		ByGroup:  make(map[string][]*CompiledPolicy),
	}
	total := 0
	for _, p := range policies {
		cp, err := compilePolicy(p)
		if err != nil {
			e.logger.Error("policy rejected at compile",
				"policy_id", p.PolicyID, "name", p.Name, "error", err)
			continue
		}
		total++
		if cp.Policy.IsGlobal() {
			tables.Global = append(tables.Global, cp)
			continue
		}
		for _, b := range cp.Policy.Resources {
			switch b.ResourceType {
			case policy.ResourceTool:
				tables.ByTool[b.ResourceID] = append(tables.ByTool[b.ResourceID], cp)
			case policy.ResourceServer:
				tables.ByServer[b.ResourceID] = append(tables.ByServer[b.ResourceID], cp)
			case policy.ResourceGroup:
				tables.ByGroup[b.ResourceID] = append(tables.ByGroup[b.ResourceID], cp)
			}
		}
	}

	for _, list := range tables.ByTool {
		sortCandidates(list)
	}
	for _, list := range tables.ByServer {
		sortCandidates(list)
	}
	for _, list := range tables.ByGroup {
		sortCandidates(list)
	}
	sortCandidates(tables.Global)
	return tables, total, nil
}

func compilePolicy(p *policy.Policy) (*CompiledPolicy, error) {
	c := p.Clone()
	policy.SortRules(c.Rules)
	cp := &CompiledPolicy{Policy: c, rules: make([]compiledRule, 0, len(c.Rules))}
	for i := range c.Rules {
		r := &c.Rules[i]
		var cond *policy.Compiled
		if r.Conditions != nil {
			var err error
			cond, err = policy.Compile(r.Conditions)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.RuleID, err)
			}
		}
		cp.rules = append(cp.rules, compiledRule{rule: r, cond: cond})
	}
	return cp, nil
}

// Evaluate decides one request against the active snapshot. It never
// returns an error: a rule that faults during evaluation degrades to a
// non-match and the no-match default covers everything else.
func (e *Evaluator) Evaluate(ctx context.Context, rc *policy.RequestContext) policy.Decision {
	return e.EvaluateVia(ctx, "", rc)
}

// EvaluateVia is Evaluate for requests that arrived through a group
// gateway: policies bound to that group join the candidate set.
func (e *Evaluator) EvaluateVia(_ context.Context, groupID string, rc *policy.RequestContext) policy.Decision {
	key, cacheable := cacheKey(groupID, rc)
	var gen uint64
	if cacheable {
		if d, ok := e.cache.Get(key); ok {
			e.count(d)
			return d
		}
		// Read the generation before loading the snapshot: if a reload
		// swaps the tables underneath this evaluation, the stale
		// generation makes the Put below a no-op.
		gen = e.cache.Generation()
	}

	d := e.evaluate(groupID, rc)
	if cacheable {
		e.cache.Put(gen, key, d)
	}
	e.count(d)
	return d
}

func (e *Evaluator) evaluate(groupID string, rc *policy.RequestContext) policy.Decision {
	tables := e.tables()
	candidates := tables.candidates(rc.Server.Name, rc.Tool, groupID)
	fields := rc.Fields()

	var obligations []policy.Action
	degraded := false
	for _, cp := range candidates {
		p := cp.Policy
		if p.Status != policy.StatusActive {
			continue
		}
		if !p.MatchesPrincipal(rc.Principal) {
			continue
		}
		for i := range cp.rules {
			cr := &cp.rules[i]
			matched, faulted := evalRule(cr, fields)
			if faulted {
				degraded = true
				e.faultCount.Add(1)
				e.logger.Error("rule evaluation fault, treated as non-match",
					"policy_id", p.PolicyID, "rule_id", cr.rule.RuleID)
				continue
			}
			if !matched {
				continue
			}
			obligations = append(obligations, cr.rule.Obligations()...)
			eff, ok := cr.rule.EffectAction()
			if !ok {
				// Obligation-only rule: its actions ride along on
				// whichever decision follows.
				continue
			}
			return matchedDecision(eff, p.PolicyID, cr.rule, obligations, degraded)
		}
	}

	d := policy.DefaultDecision(e.failOpen)
	d.Obligations = withEvalFault(obligations, degraded)
	return d
}

func matchedDecision(eff policy.Effect, policyID string, r *policy.Rule, obligations []policy.Action, degraded bool) policy.Decision {
	reason := r.Description
	if reason == "" {
		reason = "matched rule " + r.RuleID
	}
	return policy.Decision{
		Effect:      eff,
		PolicyID:    policyID,
		RuleID:      r.RuleID,
		Reason:      reason,
		Obligations: withEvalFault(obligations, degraded),
	}
}

func withEvalFault(obligations []policy.Action, degraded bool) []policy.Action {
	if !degraded {
		return obligations
	}
	return append(obligations, policy.Action{Type: policy.ActionEvaluatorError})
}

// evalRule reports whether the rule's conditions hold. A panic inside
// condition evaluation counts as a fault, never as a match.
func evalRule(cr *compiledRule, fields policy.Fields) (matched, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			matched, faulted = false, true
		}
	}()
	if cr.cond == nil {
		return true, false
	}
	return cr.cond.Eval(fields), false
}

func (e *Evaluator) tables() *CompiledTables {
	return e.snapshot.Load().(*CompiledTables)
}

func (e *Evaluator) count(d policy.Decision) {
	if d.Allowed() {
		e.allowCount.Add(1)
	} else {
		e.denyCount.Add(1)
	}
}

// Counts returns the allow and deny decisions served and the rule
// evaluation faults observed since startup. Read by the metrics
// endpoint.
func (e *Evaluator) Counts() (allowed, denied, faulted uint64) {
	return e.allowCount.Load(), e.denyCount.Load(), e.faultCount.Load()
}

// CacheSize returns the number of cached decisions.
func (e *Evaluator) CacheSize() int {
	return e.cache.Size()
}
