package httpapi

import (
	"net/http"

	"github.com/wardengate/wardengate/internal/domain/server"
)

// groupPayload is the request body for group create and update.
type groupPayload struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	MemberNames []string            `json:"member_names,omitempty"`
	ToolConfig  map[string][]string `json:"tool_config,omitempty"`
	Enabled     *bool               `json:"enabled,omitempty"`
}

// handleListGroups returns every virtual group.
// GET /mcp/groups
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.registry.Groups()
	if groups == nil {
		groups = []*server.Group{}
	}
	s.respondJSON(w, http.StatusOK, groups)
}

// handleCreateGroup registers a virtual group. The gateway assigns the
// ID and the externally visible gateway path.
// POST /mcp/groups
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var p groupPayload
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}

	g := &server.Group{
		Name:        p.Name,
		Description: p.Description,
		MemberNames: p.MemberNames,
		ToolConfig:  p.ToolConfig,
	}
	if p.Enabled != nil {
		g.Enabled = *p.Enabled
	}
	if err := s.registry.CreateGroup(r.Context(), g); err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, g)
}

// handleGetGroup returns one group.
// GET /mcp/groups/{id}
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.registry.Group(r.PathValue("id"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

// handleUpdateGroup replaces a group's definition.
// PUT /mcp/groups/{id}
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var p groupPayload
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}

	current, err := s.registry.Group(r.PathValue("id"))
	if err != nil {
		s.respondFault(w, err)
		return
	}

	g := current.Clone()
	g.Name = p.Name
	g.Description = p.Description
	g.MemberNames = p.MemberNames
	g.ToolConfig = p.ToolConfig
	if p.Enabled != nil {
		g.Enabled = *p.Enabled
	}
	if err := s.registry.UpdateGroup(r.Context(), g); err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

// handleDeleteGroup removes a group. Member servers stay registered.
// DELETE /mcp/groups/{id}
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteGroup(r.Context(), r.PathValue("id")); err != nil {
		s.respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddGroupMember appends a server to a group.
// POST /mcp/groups/{id}/servers
func (s *Server) handleAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if body.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	g, err := s.registry.AddGroupMember(r.Context(), r.PathValue("id"), body.Name)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

// handleRemoveGroupMember drops a server from a group, along with its
// tool narrowing.
// DELETE /mcp/groups/{id}/servers/{name}
func (s *Server) handleRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	g, err := s.registry.RemoveGroupMember(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}

// handleSetGroupTools narrows which tools a member contributes to the
// group. ["*"] or an empty list restores all tools.
// POST /mcp/groups/{id}/servers/{name}/tools
func (s *Server) handleSetGroupTools(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tools []string `json:"tools"`
	}
	if err := readJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}

	g, err := s.registry.SetGroupTools(r.Context(), r.PathValue("id"), r.PathValue("name"), body.Tools)
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, g)
}
