package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nexus/internal/catalog"
	"nexus/internal/config"
	"nexus/internal/discoverer"
	"nexus/internal/management"
	"nexus/internal/metrics"
	"nexus/internal/registry"
	"nexus/internal/state"
	"nexus/internal/transport"
	"nexus/internal/vmanager"
	"nexus/pkg/logging"
)

var (
	serveDebug      bool
	servePort       int
	serveConfigPath string
)

// serveCmd boots the management plane: loads configuration, connects every
// configured upstream, starts every configured vMCP, and serves the
// management REST API until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Nexus gateway",
	Long: `Starts the Nexus gateway: connects to every configured upstream MCP
server, builds the capability catalog, starts every configured virtual
server, and serves the management REST API.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable verbose debug logging")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the management API port")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "config.yaml", "Path to the Nexus configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort > 0 {
		cfg.Port = servePort
	}
	cfg.Debug = serveDebug

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := state.New()
	reg := registry.New()
	cat := catalog.New()
	metricsReg := metrics.New()
	disc := discoverer.New(reg, cat, metricsReg)
	vm := vmanager.New(reg, cat, st, metricsReg, cfg.Port)

	// Any transport leaving the registry, whether by explicit removal or by
	// exhausting its reconnect attempts, is reflected in Process Config
	// State so the Virtual-Server Manager's partial-degradation logic sees
	// it (state.State.Subscribe, wired inside vmanager.New).
	reg.OnRemove(func(name string) {
		st.SetStatus(name, state.StatusOffline, "transport closed")
	})

	// Mirror every upstream status transition into the connectivity gauge,
	// independent of why it happened (management API, reconnect exhaustion,
	// or discovery failure all route through state.State.SetStatus).
	st.Subscribe(func(ev state.Event) {
		metricsReg.SetUpstreamConnected(ev.Name, ev.Status == state.StatusOnline)
	})

	transportCfg := transport.Config{
		MaxRetries: cfg.Transport.MaxRetries,
		RetryDelay: cfg.Transport.RetryDelay(),
		Timeout:    cfg.Transport.Timeout(),
	}

	for _, u := range cfg.MCPServers {
		connectUpstream(ctx, st, reg, disc, transportCfg, u)
	}
	for _, v := range cfg.VMCPs {
		addVMCP(ctx, vm, v)
	}

	scheduler := discoverer.NewScheduler(disc, cfg.RefreshInterval(), func(name string, err error) {
		st.SetStatus(name, state.StatusError, err.Error())
	})
	go scheduler.Run(ctx, reg.List)

	prevCfg := cfg
	watcher, err := config.Watch(serveConfigPath, func(newCfg *config.Config) {
		reconcileUpstreams(ctx, st, reg, cat, disc, transportCfg, prevCfg.MCPServers, newCfg.MCPServers)
		reconcileVMCPs(ctx, vm, prevCfg.VMCPs, newCfg.VMCPs)
		prevCfg = newCfg
	})
	if err != nil {
		logging.Warn("serve", "config hot-reload watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	mgmt := management.New(st, reg, cat, disc, vm, metricsReg, transportCfg)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mgmt.Handler()}

	go func() {
		logging.Info("serve", "management API listening on :%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("serve", err, "management listener exited")
		}
	}()

	<-ctx.Done()
	logging.Info("serve", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	vm.StopAll()

	return nil
}

// connectUpstream registers u in Process Config State and, unless disabled,
// connects its transport and runs initial discovery.
func connectUpstream(ctx context.Context, st *state.State, reg *registry.Registry, disc *discoverer.Discoverer, transportCfg transport.Config, u config.UpstreamConfig) {
	if err := st.AddUpstream(state.Upstream{Name: u.Name, URL: u.URL, AuthToken: u.AuthToken, Disabled: u.Disabled}); err != nil {
		logging.Error("serve", err, "registering upstream %q", u.Name)
		return
	}
	if u.Disabled {
		return
	}

	tc := transportCfg
	tc.BaseURL = u.URL
	tc.AuthToken = u.AuthToken
	tr := transport.New(u.Name, tc, reg.WithAutoRemove(u.Name, transport.Hooks{}))
	if err := reg.Add(u.Name, tr); err != nil {
		logging.Error("serve", err, "adding transport %q", u.Name)
		return
	}
	if err := disc.Discover(ctx, u.Name); err != nil {
		st.SetStatus(u.Name, state.StatusError, err.Error())
		logging.Warn("serve", "initial discovery of %q failed: %v", u.Name, err)
		return
	}
	st.SetStatus(u.Name, state.StatusOnline, "")
}

// disconnectUpstream tears down a removed upstream's transport, drops its
// catalog entries, and forgets it in Process Config State.
func disconnectUpstream(reg *registry.Registry, cat *catalog.Catalog, st *state.State, name string) {
	if err := reg.Remove(name); err != nil {
		logging.Warn("serve", "removing transport %q: %v", name, err)
	}
	cat.RemoveSource(name)
	st.RemoveUpstream(name)
}

// addVMCP converts v into a vmanager.Definition and adds (and auto-starts)
// it.
func addVMCP(ctx context.Context, vm *vmanager.Manager, v config.VMCPConfig) {
	def := vmanager.Definition{
		ID:              v.ID,
		Name:            v.Name,
		Port:            v.Port,
		SourceServerIDs: v.SourceServerIDs,
	}
	for _, rc := range v.AggregationRules {
		rule, err := rc.ToRule()
		if err != nil {
			logging.Error("serve", err, "vmcp %q: invalid rule", v.ID)
			continue
		}
		def.Rules = append(def.Rules, rule)
	}
	if _, err := vm.Add(ctx, def); err != nil {
		logging.Error("serve", err, "adding vmcp %q", v.ID)
	}
}

// reconcileUpstreams applies a config hot-reload's upstream set: upstreams
// present in oldCfg but absent from newCfg are disconnected and forgotten;
// upstreams newly present in newCfg are connected. Upstreams present in
// both are left untouched: changing an existing upstream's URL or token
// still requires a restart, only add/remove is live.
func reconcileUpstreams(ctx context.Context, st *state.State, reg *registry.Registry, cat *catalog.Catalog, disc *discoverer.Discoverer, transportCfg transport.Config, oldCfg, newCfg []config.UpstreamConfig) {
	oldNames := make(map[string]bool, len(oldCfg))
	for _, u := range oldCfg {
		oldNames[u.Name] = true
	}
	newNames := make(map[string]bool, len(newCfg))
	for _, u := range newCfg {
		newNames[u.Name] = true
	}

	for name := range oldNames {
		if !newNames[name] {
			logging.Info("serve", "config reload: removing upstream %q", name)
			disconnectUpstream(reg, cat, st, name)
		}
	}
	for _, u := range newCfg {
		if !oldNames[u.Name] {
			logging.Info("serve", "config reload: adding upstream %q", u.Name)
			connectUpstream(ctx, st, reg, disc, transportCfg, u)
		}
	}
}

// reconcileVMCPs applies a config hot-reload's vMCP set, analogous to
// reconcileUpstreams.
func reconcileVMCPs(ctx context.Context, vm *vmanager.Manager, oldCfg, newCfg []config.VMCPConfig) {
	oldIDs := make(map[string]bool, len(oldCfg))
	for _, v := range oldCfg {
		oldIDs[v.ID] = true
	}
	newIDs := make(map[string]bool, len(newCfg))
	for _, v := range newCfg {
		newIDs[v.ID] = true
	}

	for id := range oldIDs {
		if !newIDs[id] {
			logging.Info("serve", "config reload: removing vmcp %q", id)
			if err := vm.Remove(id); err != nil {
				logging.Warn("serve", "removing vmcp %q: %v", id, err)
			}
		}
	}
	for _, v := range newCfg {
		if !oldIDs[v.ID] {
			logging.Info("serve", "config reload: adding vmcp %q", v.ID)
			addVMCP(ctx, vm, v)
		}
	}
}
