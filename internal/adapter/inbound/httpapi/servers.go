package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/wardengate/wardengate/internal/domain/credential"
	"github.com/wardengate/wardengate/internal/domain/server"
	"github.com/wardengate/wardengate/internal/service"
)

// authPayload is the wire form of a backend auth block. Unlike the
// domain type it accepts inline credential material, which is why the
// descriptor itself never appears in request bodies.
type authPayload struct {
	Method        string `json:"method"`
	Location      string `json:"location,omitempty"`
	Name          string `json:"name,omitempty"`
	Format        string `json:"format,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Template      string `json:"template,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`
	// Credential is accepted on create and update and never echoed back.
	Credential string `json:"credential,omitempty"`
}

func (a *authPayload) toDomain() *server.AuthConfig {
	if a == nil {
		return nil
	}
	return &server.AuthConfig{
		Method:        server.AuthMethod(a.Method),
		Location:      server.CredentialLocation(a.Location),
		Name:          a.Name,
		Format:        server.CredentialFormat(a.Format),
		Prefix:        a.Prefix,
		Template:      a.Template,
		CredentialRef: a.CredentialRef,
		Credential:    a.Credential,
	}
}

// serverPayload is the request body for server create and update.
type serverPayload struct {
	Name           string            `json:"name"`
	URL            string            `json:"url,omitempty"`
	Transport      string            `json:"transport"`
	Enabled        *bool             `json:"enabled,omitempty"`
	Description    string            `json:"description,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Auth           *authPayload      `json:"auth,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// serverView is the response form of a descriptor: credentials masked,
// env values reduced to their names.
type serverView struct {
	Name           string             `json:"name"`
	URL            string             `json:"url"`
	Transport      server.Transport   `json:"transport"`
	Enabled        bool               `json:"enabled"`
	Description    string             `json:"description,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
	Command        string             `json:"command,omitempty"`
	Args           []string           `json:"args,omitempty"`
	EnvNames       []string           `json:"env_names,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	AuthDisplay    credential.Display `json:"auth_config_display"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (s *Server) toServerView(d *server.Descriptor) serverView {
	var envNames []string
	for name := range d.Env {
		envNames = append(envNames, name)
	}
	slices.Sort(envNames)

	return serverView{
		Name:           d.Name,
		URL:            d.URL,
		Transport:      d.Transport,
		Enabled:        d.Enabled,
		Description:    d.Description,
		Tags:           d.Tags,
		TimeoutSeconds: d.TimeoutSeconds,
		Command:        d.Command,
		Args:           d.Args,
		EnvNames:       envNames,
		Metadata:       d.Metadata,
		AuthDisplay:    s.resolver.Display(d.Auth),
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// handleListServers returns every registered backend.
// GET /mcp/servers
func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.Servers()
	views := make([]serverView, len(descriptors))
	for i, d := range descriptors {
		views[i] = s.toServerView(d)
	}
	s.respondJSON(w, http.StatusOK, views)
}

// handleCreateServer registers a backend. Servers are created disabled;
// enable them with PUT once configuration is verified.
// POST /mcp/servers
func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var p serverPayload
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}

	d := &server.Descriptor{
		Name:           p.Name,
		URL:            p.URL,
		Transport:      server.Transport(p.Transport),
		Description:    p.Description,
		Tags:           p.Tags,
		TimeoutSeconds: p.TimeoutSeconds,
		Auth:           p.Auth.toDomain(),
		Command:        p.Command,
		Args:           p.Args,
		Env:            p.Env,
		Metadata:       p.Metadata,
	}
	if err := s.registry.CreateServer(r.Context(), d); err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, s.toServerView(d))
}

// handleGetServer returns one backend.
// GET /mcp/servers/{name}
func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Server(r.PathValue("name"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toServerView(d))
}

// handleUpdateServer replaces a backend's configuration. Omitted auth
// and metadata blocks keep their stored values so a PUT of a previous
// GET response cannot strip credentials or conversion state.
// PUT /mcp/servers/{name}
func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var p serverPayload
	if err := readJSON(r, &p); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body: "+err.Error())
		return
	}
	if p.Name != "" && p.Name != name {
		s.respondError(w, http.StatusBadRequest, "server name is immutable")
		return
	}

	current, err := s.registry.Server(name)
	if err != nil {
		s.respondFault(w, err)
		return
	}

	d := current.Clone()
	d.URL = p.URL
	d.Transport = server.Transport(p.Transport)
	d.Description = p.Description
	d.Tags = p.Tags
	d.TimeoutSeconds = p.TimeoutSeconds
	d.Command = p.Command
	d.Args = p.Args
	d.Env = p.Env
	if p.Enabled != nil {
		d.Enabled = *p.Enabled
	}
	if p.Auth != nil {
		d.Auth = p.Auth.toDomain()
	}
	if p.Metadata != nil {
		d.Metadata = p.Metadata
	}

	if err := s.registry.UpdateServer(r.Context(), d); err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toServerView(d))
}

// handleDeleteServer removes a backend from the registry.
// DELETE /mcp/servers/{name}
func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteServer(r.Context(), r.PathValue("name")); err != nil {
		s.respondFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serverInfo is the serverView plus runtime state: holding groups and
// the adapter child, when one is running.
type serverInfo struct {
	serverView
	Groups  []string               `json:"groups,omitempty"`
	Adapter *service.AdapterStatus `json:"adapter,omitempty"`
}

// handleServerInfo returns a backend with its runtime state.
// GET /mcp/servers/{name}/info
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	d, err := s.registry.Server(name)
	if err != nil {
		s.respondFault(w, err)
		return
	}

	info := serverInfo{serverView: s.toServerView(d)}
	for _, g := range s.registry.Groups() {
		if slices.Contains(g.MemberNames, name) {
			info.Groups = append(info.Groups, g.ID)
		}
	}
	if s.supervisor != nil {
		if st, running := s.supervisor.Status(name); running {
			info.Adapter = &st
		}
	}
	s.respondJSON(w, http.StatusOK, info)
}

// handleConvertServer starts a stdio adapter child and rewrites the
// backend to HTTP transport.
// POST /mcp/servers/{name}/convert
func (s *Server) handleConvertServer(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.respondError(w, http.StatusServiceUnavailable, "adapter supervisor not configured")
		return
	}
	d, err := s.supervisor.Convert(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toServerView(d))
}

// handleStopAdapter stops a running adapter and reverts the backend to
// its stdio form.
// DELETE /mcp/servers/{name}/convert
func (s *Server) handleStopAdapter(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		s.respondError(w, http.StatusServiceUnavailable, "adapter supervisor not configured")
		return
	}
	d, err := s.supervisor.Stop(r.Context(), r.PathValue("name"))
	if err != nil {
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.toServerView(d))
}
