package server

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/volery/volery/pkg/acl"
	"github.com/volery/volery/pkg/config"
	"github.com/volery/volery/pkg/heartbeat"
	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/mtq"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

// Component wires one configuration element of an instance section to a
// concrete implementation. It is called during the exec pass of instance
// construction.
type Component func(s *Server, inst *router.Instance, cfg *xmlx.Element) error

// Server owns the router, the heartbeat ring, the worker pool and the
// configured instances, and runs the process lifecycle around them.
type Server struct {
	Router    *router.Router
	Heartbeat *heartbeat.Ring
	Pool      *mtq.Pool
	ACL       *acl.List

	cfgFile string
	extras  []string
	defines map[string]string

	config     *xmlx.Element
	pidfile    string
	instances  map[string]*router.Instance
	components map[string]Component

	shutdownFns []func()
	metricsSrv  *http.Server
	signalCh    chan os.Signal
}

// New creates a server for the given configuration source.
func New(cfgFile string, extras []string, defines map[string]string) *Server {
	s := &Server{
		Router:     router.New(),
		Heartbeat:  heartbeat.New(),
		Pool:       mtq.NewPool(mtq.DefaultWorkers),
		cfgFile:    cfgFile,
		extras:     extras,
		defines:    defines,
		instances:  make(map[string]*router.Instance),
		components: make(map[string]Component),
		signalCh:   make(chan os.Signal, 1),
	}
	registerBuiltins(s)
	return s
}

// RegisterComponent binds a configuration element name to a component
// constructor.
func (s *Server) RegisterComponent(name string, c Component) {
	s.components[name] = c
}

// RegisterShutdown pushes a function onto the shutdown stack; the stack
// runs in reverse registration order.
func (s *Server) RegisterShutdown(fn func()) {
	if fn == nil {
		return
	}
	s.shutdownFns = append(s.shutdownFns, fn)
}

// Config returns the active configuration root.
func (s *Server) Config() *xmlx.Element {
	return s.config
}

// Instance returns a configured instance by id.
func (s *Server) Instance(id string) *router.Instance {
	return s.instances[id]
}

// Configure loads the configuration, validates it and builds every
// instance. It is the fatal startup path: any error here means exit(1).
func (s *Server) Configure() error {
	cfg, err := config.Load(s.cfgFile, s.extras, s.defines)
	if err != nil {
		return err
	}
	s.config = cfg

	s.pidfile = config.Pidfile(cfg)
	if err := config.WritePidfile(s.pidfile); err != nil {
		return err
	}

	// validation pass first, then the real one
	if err := s.configo(cfg, false); err != nil {
		return err
	}
	if err := s.configo(cfg, true); err != nil {
		return err
	}

	s.ACL = acl.New(cfg)
	s.Router.SetNullSources(config.NullSources(cfg))
	s.Router.SetDumpPaths(config.DumpPaths(cfg))

	if addr := config.MetricsAddr(cfg); addr != "" {
		s.serveMetrics(addr)
	}

	return nil
}

// configo walks the top-level configuration sections. With exec false the
// structure is only validated; with exec true the instances are created
// and their component handlers run.
func (s *Server) configo(cfg *xmlx.Element, exec bool) error {
	seen := make(map[string]bool)
	for _, cur := range cfg.Children {
		var kind router.Kind
		switch cur.Name {
		case "pidfile", "debug", "global", "io":
			continue
		case "log":
			kind = router.KindLog
		case "xdb":
			kind = router.KindXDB
		case "service":
			kind = router.KindNorm
		default:
			return fmt.Errorf("configuration error: invalid section <%s/>", cur.Name)
		}

		id := cur.Attr("id")
		if id == "" {
			return fmt.Errorf("configuration error: <%s/> section needs an 'id' attribute", cur.Name)
		}
		if len(cur.Children) == 0 {
			return fmt.Errorf("configuration error: section '%s' has no data in it", id)
		}
		if seen[id] {
			return fmt.Errorf("configuration error: multiple sections with same id '%s'", id)
		}
		seen[id] = true

		if !exec {
			continue
		}
		if err := s.startInstance(id, kind, cur); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) startInstance(id string, kind router.Kind, cur *xmlx.Element) error {
	// the id doubles as the instance's primary routing, so it must be a
	// bare domain
	if j, err := jid.Parse(id); err != nil || j.Full() != id || j.Node != "" || j.Resource != "" {
		return fmt.Errorf("configuration error: invalid instance id '%s'", id)
	}
	if s.instances[id] != nil {
		return fmt.Errorf("configuration error: multiple instances with same id '%s'", id)
	}

	inst := router.NewInstance(id, kind, cur)
	s.instances[id] = inst
	if err := s.Router.RegisterInstance(inst, id); err != nil {
		return err
	}
	s.RegisterShutdown(func() { s.Router.UnregisterInstance(inst, id) })

	for _, child := range cur.Children {
		if err := s.instanceChild(inst, child); err != nil {
			return fmt.Errorf("invalid configuration in instance '%s': %w", id, err)
		}
	}
	return nil
}

// instanceChild dispatches one configuration element of an instance
// section: the router's own elements first, then the component registry.
// Namespaced elements without a handler are component-private data and
// are skipped.
func (s *Server) instanceChild(inst *router.Instance, child *xmlx.Element) error {
	switch child.Name {
	case "host":
		host := strings.TrimSpace(child.Text)
		if host == "" {
			return s.Router.RegisterInstance(inst, "*")
		}
		if strings.ContainsAny(host, " \t\r\n") {
			return fmt.Errorf("the host tag contains illegal whitespace: %q", host)
		}
		if err := s.Router.RegisterInstance(inst, host); err != nil {
			return err
		}
		inst.MarkStaticHost(host)
		return nil
	case "ns":
		return s.Router.RegisterNS(inst, strings.TrimSpace(child.Text))
	case "logtype":
		return s.Router.RegisterLogType(inst, strings.TrimSpace(child.Text))
	case "uplink":
		return s.Router.SetUplink(inst)
	}

	if c, ok := s.components[child.Name]; ok {
		return c(s, inst, child)
	}
	if child.HasAttr("xmlns") {
		return nil
	}
	return fmt.Errorf("unknown base tag: <%s/>", child.Name)
}

// Start brings the router out of startup-queue mode and starts the
// heartbeat.
func (s *Server) Start() {
	s.Heartbeat.Start()
	metrics.RegisterProbe("heartbeat", s.heartbeatProbe)
	s.Router.Start()
	metrics.RegisterProbe("router", s.routerProbe)
	s.Router.LogNotice("", "server started")
}

// routerProbe reports the router's run state and routing-table depths.
func (s *Server) routerProbe() metrics.Status {
	state := s.Router.StateNow()
	return metrics.Status{
		Healthy: state == router.StateRunning,
		Detail:  state.String(),
		Stats: map[string]int{
			"norm_hosts": len(s.Router.RoutedHosts(router.KindNorm, nil)),
			"xdb_hosts":  len(s.Router.RoutedHosts(router.KindXDB, nil)),
			"log_hosts":  len(s.Router.RoutedHosts(router.KindLog, nil)),
		},
	}
}

// heartbeatProbe reports whether the beat ring is ticking and how many
// handlers hang off it.
func (s *Server) heartbeatProbe() metrics.Status {
	running := s.Heartbeat.Running()
	detail := "stopped"
	if running {
		detail = "ticking"
	}
	return metrics.Status{
		Healthy: running,
		Detail:  detail,
		Stats:   map[string]int{"beats": s.Heartbeat.BeatCount()},
	}
}

// Run blocks handling signals until the process is told to stop. SIGHUP
// reloads the configuration, SIGTERM and SIGINT shut down.
func (s *Server) Run() {
	signal.Notify(s.signalCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	for sig := range s.signalCh {
		switch sig {
		case syscall.SIGHUP:
			s.Reload()
		default:
			s.ShutdownAndExit()
			return
		}
	}
}

// Reload re-reads the configuration file. A file that fails to parse or
// validate leaves the old configuration in place.
func (s *Server) Reload() {
	log.Info("reloading configuration")

	cfg, err := config.Load(s.cfgFile, s.extras, s.defines)
	if err == nil {
		err = s.configo(cfg, false)
	}
	if err != nil {
		log.Errorf("configuration reload failed", err)
		s.Router.LogAlert("", "failed to reload config, resetting internal config -- please check your configuration")
		return
	}

	s.config = cfg
	s.ACL = acl.New(cfg)
	s.Router.SetNullSources(config.NullSources(cfg))
	s.Router.SetDumpPaths(config.DumpPaths(cfg))
	log.Info("configuration reload complete")
}

// ShutdownAndExit pauses the router, unwinds the shutdown stack and stops
// the machinery.
func (s *Server) ShutdownAndExit() {
	s.Router.LogNotice("", "shutting down server")
	s.Router.Shutdown()

	for i := len(s.shutdownFns) - 1; i >= 0; i-- {
		s.shutdownFns[i]()
	}

	if s.metricsSrv != nil {
		_ = s.metricsSrv.Close()
	}
	s.Heartbeat.Stop()
	s.Pool.Stop()
	config.RemovePidfile(s.pidfile)
}

func (s *Server) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	s.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics endpoint failed", err)
		}
	}()
}
