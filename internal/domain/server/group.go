package server

import (
	"fmt"
	"slices"
	"time"
)

// ToolWildcard in a group's tool config admits every member tool.
const ToolWildcard = "*"

// Group is a virtual aggregate of HTTP backends exposed as one MCP
// endpoint.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// MemberNames is ordered; tool-name deduplication is first-wins in
	// this order.
	MemberNames []string `json:"member_names"`
	// ToolConfig narrows which tools each member contributes. A missing
	// entry or ["*"] means all tools.
	ToolConfig map[string][]string `json:"tool_config,omitempty"`
	// GatewayPath is the externally visible mount point of the virtual
	// endpoint.
	GatewayPath string    `json:"gateway_path,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the group's configuration.
func (g *Group) Validate() error {
	if g.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(g.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(g.Name) {
		return fmt.Errorf("name must match %s", namePattern.String())
	}
	seen := make(map[string]bool, len(g.MemberNames))
	for _, m := range g.MemberNames {
		if m == "" {
			return fmt.Errorf("member names cannot be empty")
		}
		if seen[m] {
			return fmt.Errorf("duplicate member %q", m)
		}
		seen[m] = true
	}
	for member := range g.ToolConfig {
		if !seen[member] {
			return fmt.Errorf("tool_config references non-member %q", member)
		}
	}
	return nil
}

// HasMember reports group membership.
func (g *Group) HasMember(name string) bool {
	return slices.Contains(g.MemberNames, name)
}

// AllowsTool applies the group's tool config: a missing entry or a
// wildcard admits every tool, otherwise only the listed ones.
func (g *Group) AllowsTool(member, tool string) bool {
	tools, ok := g.ToolConfig[member]
	if !ok || len(tools) == 0 {
		return true
	}
	for _, t := range tools {
		if t == ToolWildcard || t == tool {
			return true
		}
	}
	return false
}

// Clone deep-copies the group.
func (g *Group) Clone() *Group {
	out := *g
	out.MemberNames = slices.Clone(g.MemberNames)
	if g.ToolConfig != nil {
		out.ToolConfig = make(map[string][]string, len(g.ToolConfig))
		for k, v := range g.ToolConfig {
			out.ToolConfig[k] = slices.Clone(v)
		}
	}
	return &out
}
