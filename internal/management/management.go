// Package management implements the management REST API (base spec §6):
// upstream CRUD, virtual-server CRUD and lifecycle, capability inspection,
// and tool-execute passthrough, plus the Prometheus /metrics endpoint.
package management

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nexus/internal/aggregator"
	"nexus/internal/catalog"
	"nexus/internal/discoverer"
	"nexus/internal/jsonrpc"
	"nexus/internal/metrics"
	"nexus/internal/registry"
	"nexus/internal/state"
	"nexus/internal/transport"
	"nexus/internal/vmanager"
	"nexus/pkg/logging"
)

// Server is the management-plane HTTP API.
type Server struct {
	st   *state.State
	reg  *registry.Registry
	cat  *catalog.Catalog
	disc *discoverer.Discoverer
	vm   *vmanager.Manager
	m    *metrics.Registry

	transportCfg transport.Config
	router       *mux.Router
}

// New builds the management API router.
func New(st *state.State, reg *registry.Registry, cat *catalog.Catalog, disc *discoverer.Discoverer, vm *vmanager.Manager, m *metrics.Registry, transportCfg transport.Config) *Server {
	s := &Server{st: st, reg: reg, cat: cat, disc: disc, vm: vm, m: m, transportCfg: transportCfg}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the http.Handler to mount on the management listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/mcp-servers", s.listUpstreams).Methods(http.MethodGet)
	r.HandleFunc("/mcp-servers", s.createUpstream).Methods(http.MethodPost)
	r.HandleFunc("/mcp-servers/{name}", s.getUpstream).Methods(http.MethodGet)
	r.HandleFunc("/mcp-servers/{name}", s.deleteUpstream).Methods(http.MethodDelete)
	r.HandleFunc("/mcp-servers/{name}/connection", s.setConnection).Methods(http.MethodPut)
	r.HandleFunc("/mcp-servers/{name}/capabilities", s.getCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/mcp-servers/{name}/capabilities/refresh", s.refreshCapabilities).Methods(http.MethodPost)
	r.HandleFunc("/mcp-servers/{name}/test", s.testUpstream).Methods(http.MethodPost)
	r.HandleFunc("/mcp-servers/{name}/tools/execute", s.executeTool).Methods(http.MethodPost)

	r.HandleFunc("/vmcps", s.listVMCPs).Methods(http.MethodGet)
	r.HandleFunc("/vmcps", s.createVMCP).Methods(http.MethodPost)
	r.HandleFunc("/vmcps/{id}", s.getVMCP).Methods(http.MethodGet)
	r.HandleFunc("/vmcps/{id}", s.deleteVMCP).Methods(http.MethodDelete)
	r.HandleFunc("/vmcps/{id}/start", s.startVMCP).Methods(http.MethodPost)
	r.HandleFunc("/vmcps/{id}/stop", s.stopVMCP).Methods(http.MethodPost)
	r.HandleFunc("/vmcps/{id}/health", s.healthVMCP).Methods(http.MethodGet)
	r.HandleFunc("/vmcps/{id}/capabilities", s.capabilitiesVMCP).Methods(http.MethodGet)
	r.HandleFunc("/vmcps/{id}/dependents", s.dependentsVMCP).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(s.m.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// --- Upstream CRUD ---

func (s *Server) listUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.st.List())
}

func (s *Server) createUpstream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		URL       string `json:"url"`
		AuthToken string `json:"authToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.st.AddUpstream(state.Upstream{Name: body.Name, URL: body.URL, AuthToken: body.AuthToken}); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	cfg := s.transportCfg
	cfg.BaseURL = body.URL
	cfg.AuthToken = body.AuthToken
	tr := transport.New(body.Name, cfg, s.reg.WithAutoRemove(body.Name, transport.Hooks{
		OnClose: func() { s.st.SetStatus(body.Name, state.StatusOffline, "") },
	}))
	if err := s.reg.Add(body.Name, tr); err != nil {
		s.st.RemoveUpstream(body.Name)
		writeError(w, http.StatusConflict, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.disc.Discover(ctx, body.Name); err != nil {
		s.st.SetStatus(body.Name, state.StatusError, err.Error())
		logging.Warn("management", "initial discovery of %q failed: %v", body.Name, err)
	} else {
		s.st.SetStatus(body.Name, state.StatusOnline, "")
	}

	logging.Audit(logging.AuditEvent{Action: "upstream_create", Outcome: "success", Target: body.Name})
	u, _ := s.st.Get(body.Name)
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) getUpstream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	u, ok := s.st.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(name))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) deleteUpstream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	_ = s.reg.Remove(name)
	s.cat.RemoveSource(name)
	s.st.RemoveUpstream(name)
	logging.Audit(logging.AuditEvent{Action: "upstream_delete", Outcome: "success", Target: name})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setConnection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		IsDisabled bool `json:"isDisabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.st.SetDisabled(name, body.IsDisabled); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if body.IsDisabled {
		_ = s.reg.Disconnect(name)
		s.st.SetStatus(name, state.StatusOffline, "")
	} else {
		_ = s.reg.Connect(r.Context(), name)
		s.st.SetStatus(name, state.StatusOnline, "")
	}
	u, _ := s.st.Get(name)
	writeJSON(w, http.StatusOK, u)
}

// --- Capability inspection ---

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tools := s.cat.ToolsForSource(name)
	prompts := s.cat.PromptsForSource(name)
	if summaryRequested(r) {
		tools = truncateToolDescriptions(tools)
		prompts = truncatePromptDescriptions(prompts)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     tools,
		"prompts":   prompts,
		"resources": s.cat.ResourcesForSource(name),
	})
}

// summaryRequested reports whether the caller asked for truncated
// descriptions via `?summary=true`, for compact listings.
func summaryRequested(r *http.Request) bool {
	return r.URL.Query().Get("summary") == "true"
}

func truncateToolDescriptions(tools []jsonrpc.Tool) []jsonrpc.Tool {
	out := make([]jsonrpc.Tool, len(tools))
	for i, t := range tools {
		t.Description = truncateDescription(t.Description, descriptionMaxLen)
		out[i] = t
	}
	return out
}

func truncatePromptDescriptions(prompts []jsonrpc.Prompt) []jsonrpc.Prompt {
	out := make([]jsonrpc.Prompt, len(prompts))
	for i, p := range prompts {
		p.Description = truncateDescription(p.Description, descriptionMaxLen)
		out[i] = p
	}
	return out
}

func (s *Server) refreshCapabilities(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.disc.Discover(ctx, name); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.getCapabilities(w, r)
}

func (s *Server) testUpstream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	req, _ := jsonrpc.NewRequest("test", "health/check", nil)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	_, err := s.reg.Request(ctx, name, req)
	writeJSON(w, http.StatusOK, map[string]any{"reachable": err == nil})
}

func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		ToolName string         `json:"toolName"`
		Params   map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, _ := jsonrpc.NewRequest("exec", "tools/call", jsonrpc.CallToolParams{Name: body.ToolName, Arguments: body.Params})
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	resp, err := s.reg.Request(ctx, name, req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if resp.Error != nil {
		writeJSON(w, http.StatusUnprocessableEntity, resp.Error)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Result)
}

// --- vMCP CRUD and lifecycle ---

func (s *Server) listVMCPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vm.List())
}

func (s *Server) createVMCP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID              string             `json:"id"`
		Name            string             `json:"name"`
		Port            int                `json:"port"`
		SourceServerIDs []string           `json:"sourceServerIds"`
		Rules           []aggregator.Rule  `json:"aggregationRules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	def, err := s.vm.Add(r.Context(), vmanager.Definition{
		ID:              body.ID,
		Name:            body.Name,
		Port:            body.Port,
		SourceServerIDs: body.SourceServerIDs,
		Rules:           body.Rules,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	logging.Audit(logging.AuditEvent{Action: "vmcp_create", Outcome: "success", Target: def.ID})
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) getVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, ok := s.vm.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.vm.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	logging.Audit(logging.AuditEvent{Action: "vmcp_delete", Outcome: "success", Target: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.vm.Start(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, _ := s.vm.Get(id)
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) stopVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.vm.Stop(id)
	def, _ := s.vm.Get(id)
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) healthVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok := s.vm.GetInstance(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, inst.CheckHealth(r.Context()))
}

func (s *Server) capabilitiesVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, ok := s.vm.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	view, err := aggregator.Build(s.cat, def.SourceServerIDs, def.Rules)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	tools, prompts := view.Tools, view.Prompts
	if summaryRequested(r) {
		tools = truncateToolDescriptions(tools)
		prompts = truncatePromptDescriptions(prompts)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":     tools,
		"prompts":   prompts,
		"resources": view.Resources,
	})
}

func (s *Server) dependentsVMCP(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	def, ok := s.vm.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, def.SourceServerIDs)
}

func errNotFound(name string) error { return &notFoundError{name} }

type notFoundError struct{ name string }

func (e *notFoundError) Error() string { return "not found: " + e.name }
