package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/wardengate/wardengate/internal/domain/fault"
	"github.com/wardengate/wardengate/internal/domain/policy"
)

// PolicyAdmin is the write side of the policy subsystem. Every
// successful mutation triggers an evaluator reload so the compiled
// tables track the store; a failed reload leaves the previous tables in
// force and is surfaced to the caller.
type PolicyAdmin struct {
	store     policy.Store
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewPolicyAdmin wires the admin service over the store the evaluator
// reads from.
func NewPolicyAdmin(store policy.Store, evaluator *Evaluator, logger *slog.Logger) *PolicyAdmin {
	return &PolicyAdmin{store: store, evaluator: evaluator, logger: logger}
}

// List returns policies matching the filter.
func (a *PolicyAdmin) List(ctx context.Context, f policy.Filter) ([]*policy.Policy, error) {
	out, err := a.store.List(ctx, f)
	if err != nil {
		return nil, fault.Wrap(fault.KindStoreError, "listing policies", err)
	}
	return out, nil
}

// Get returns one policy by ID.
func (a *PolicyAdmin) Get(ctx context.Context, id string) (*policy.Policy, error) {
	p, err := a.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return nil, fault.Newf(fault.KindResourceNotFound, "policy %q not found", id)
		}
		return nil, fault.Wrap(fault.KindStoreError, "loading policy", err)
	}
	return p, nil
}

// Create validates and stores a new policy. Missing IDs are assigned,
// and a missing status defaults to draft.
func (a *PolicyAdmin) Create(ctx context.Context, p *policy.Policy) error {
	prepare(p)
	if err := p.Validate(); err != nil {
		return fault.Newf(fault.KindPolicyInvalid, "invalid policy: %v", err)
	}
	if err := a.store.Create(ctx, p); err != nil {
		if errors.Is(err, policy.ErrCodeExists) {
			return fault.Newf(fault.KindPolicyInvalid, "policy_code %q is already in use", p.PolicyCode)
		}
		return fault.Wrap(fault.KindStoreError, "creating policy", err)
	}
	a.logger.Info("policy created",
		"policy_id", p.PolicyID, "name", p.Name, "status", string(p.Status))
	return a.reload(ctx)
}

// Update validates and replaces an existing policy. The store bumps the
// version.
func (a *PolicyAdmin) Update(ctx context.Context, p *policy.Policy) error {
	prepare(p)
	if err := p.Validate(); err != nil {
		return fault.Newf(fault.KindPolicyInvalid, "invalid policy: %v", err)
	}
	if err := a.store.Update(ctx, p); err != nil {
		switch {
		case errors.Is(err, policy.ErrNotFound):
			return fault.Newf(fault.KindResourceNotFound, "policy %q not found", p.PolicyID)
		case errors.Is(err, policy.ErrCodeExists):
			return fault.Newf(fault.KindPolicyInvalid, "policy_code %q is already in use", p.PolicyCode)
		}
		return fault.Wrap(fault.KindStoreError, "updating policy", err)
	}
	a.logger.Info("policy updated", "policy_id", p.PolicyID, "version", p.Version)
	return a.reload(ctx)
}

// Delete removes a policy and its children.
func (a *PolicyAdmin) Delete(ctx context.Context, id string) error {
	if err := a.store.Delete(ctx, id); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "policy %q not found", id)
		}
		return fault.Wrap(fault.KindStoreError, "deleting policy", err)
	}
	a.logger.Info("policy deleted", "policy_id", id)
	return a.reload(ctx)
}

// SetStatus moves a policy through its lifecycle. Retired is terminal.
func (a *PolicyAdmin) SetStatus(ctx context.Context, id string, status policy.Status) (*policy.Policy, error) {
	if !status.Valid() {
		return nil, fault.Newf(fault.KindValidation, "unknown status %q", status)
	}
	current, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == policy.StatusRetired && status != policy.StatusRetired {
		return nil, fault.Newf(fault.KindValidation, "policy %q is retired", id)
	}
	updated, err := a.store.SetStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return nil, fault.Newf(fault.KindResourceNotFound, "policy %q not found", id)
		}
		return nil, fault.Wrap(fault.KindStoreError, "updating policy status", err)
	}
	a.logger.Info("policy status changed",
		"policy_id", id, "from", string(current.Status), "to", string(status))
	if err := a.reload(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// Bind attaches a policy to a server, tool, or group.
func (a *PolicyAdmin) Bind(ctx context.Context, id string, b policy.ResourceBinding) error {
	if err := b.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid binding: %v", err)
	}
	if _, err := a.store.BindResource(ctx, id, b); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "policy %q not found", id)
		}
		return fault.Wrap(fault.KindStoreError, "binding resource", err)
	}
	return a.reload(ctx)
}

// Unbind detaches a policy from a resource. Unbinding an absent binding
// is a no-op.
func (a *PolicyAdmin) Unbind(ctx context.Context, id string, b policy.ResourceBinding) error {
	if err := b.Validate(); err != nil {
		return fault.Newf(fault.KindValidation, "invalid binding: %v", err)
	}
	if _, err := a.store.UnbindResource(ctx, id, b); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			return fault.Newf(fault.KindResourceNotFound, "policy %q not found", id)
		}
		return fault.Wrap(fault.KindStoreError, "unbinding resource", err)
	}
	return a.reload(ctx)
}

// DryRun evaluates a synthetic request context against the live tables
// without enforcing the outcome. Used by the evaluate endpoint and the
// check-policy command.
func (a *PolicyAdmin) DryRun(ctx context.Context, rc *policy.RequestContext) policy.Decision {
	return a.evaluator.Evaluate(ctx, rc)
}

// SeedFromFile loads a YAML policy document into an empty store. A
// non-empty store skips seeding so restarts never clobber live edits.
func (a *PolicyAdmin) SeedFromFile(ctx context.Context, path string) error {
	existing, err := a.store.List(ctx, policy.Filter{})
	if err != nil {
		return fault.Wrap(fault.KindStoreError, "checking policy store before seed", err)
	}
	if len(existing) > 0 {
		a.logger.Debug("policy store not empty, skipping seed", "policies", len(existing))
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fault.Wrap(fault.KindConfigInvalid, "reading policy seed file", err)
	}
	policies, err := ParsePolicyDocument(data)
	if err != nil {
		return fault.Wrap(fault.KindConfigInvalid, "parsing policy seed file", err)
	}

	for i, p := range policies {
		prepare(p)
		if err := p.Validate(); err != nil {
			return fault.Newf(fault.KindConfigInvalid, "seed policy %d (%s): %v", i, p.Name, err)
		}
		if err := a.store.Create(ctx, p); err != nil {
			return fault.Wrap(fault.KindStoreError, "seeding policy "+p.Name, err)
		}
	}
	a.logger.Info("policy store seeded", "file", path, "policies", len(policies))
	return a.reload(ctx)
}

// reload recompiles the evaluator tables. On failure the previous
// tables stay live, so the caller must learn their change is stored but
// not yet enforced.
func (a *PolicyAdmin) reload(ctx context.Context) error {
	if err := a.evaluator.Reload(ctx); err != nil {
		a.logger.Error("evaluator reload failed after policy mutation", "error", err)
		return fault.Wrap(fault.KindStoreError, "policy saved but evaluator reload failed", err)
	}
	return nil
}

// prepare fills server-assigned fields: missing policy and rule IDs,
// and the draft default status.
func prepare(p *policy.Policy) {
	if p.PolicyID == "" {
		p.PolicyID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = policy.StatusDraft
	}
	for i := range p.Rules {
		if p.Rules[i].RuleID == "" {
			p.Rules[i].RuleID = uuid.NewString()
		}
	}
}

// ParsePolicyDocument decodes a YAML document holding either a bare
// policy list or a top-level "policies" key. Values pass through a JSON
// round trip so the policy types keep a single set of field tags.
func ParsePolicyDocument(data []byte) ([]*policy.Policy, error) {
	var doc struct {
		Policies []any `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Policies) > 0 {
		return convertPolicies(doc.Policies)
	}
	var bare []any
	if err := yaml.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("policy document is neither a list nor a policies map: %w", err)
	}
	return convertPolicies(bare)
}

func convertPolicies(items []any) ([]*policy.Policy, error) {
	out := make([]*policy.Policy, 0, len(items))
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		p := &policy.Policy{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
