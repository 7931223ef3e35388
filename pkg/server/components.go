package server

import (
	"strings"

	"github.com/volery/volery/pkg/csock"
	"github.com/volery/volery/pkg/dnsrv"
	"github.com/volery/volery/pkg/logfile"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

// registerBuiltins installs the component constructors shipped with the
// daemon. Loadable modules are a non-goal; components are a static
// registry instead.
func registerBuiltins(s *Server) {
	s.RegisterComponent("file", fileComponent)
	s.RegisterComponent("stderr", stderrComponent)
	s.RegisterComponent("spool", spoolComponent)
	s.RegisterComponent("dnsrv", dnsrvComponent)
	s.RegisterComponent("pthcsock", csockComponent)
}

// fileComponent is the rotating-file log sink.
func fileComponent(s *Server, inst *router.Instance, cfg *xmlx.Element) error {
	sink, err := logfile.NewFile(inst, cfg)
	if err != nil {
		return err
	}
	s.RegisterShutdown(func() { _ = sink.Close() })
	return nil
}

// stderrComponent is the stderr log sink.
func stderrComponent(_ *Server, inst *router.Instance, _ *xmlx.Element) error {
	logfile.NewStderr(inst)
	return nil
}

// spoolComponent is the bolt-backed xdb storage backend.
func spoolComponent(s *Server, inst *router.Instance, cfg *xmlx.Element) error {
	store, err := newSpool(s, inst, strings.TrimSpace(cfg.Text))
	if err != nil {
		return err
	}
	s.RegisterShutdown(func() { _ = store.Close() })
	return nil
}

// dnsrvComponent is the DNS resolver.
func dnsrvComponent(s *Server, inst *router.Instance, cfg *xmlx.Element) error {
	c := dnsrv.New(s.Router, s.Heartbeat, inst, cfg)
	c.Start()
	s.RegisterShutdown(c.Stop)
	return nil
}

// csockComponent is the client connection manager.
func csockComponent(s *Server, inst *router.Instance, cfg *xmlx.Element) error {
	m := csock.New(s.Router, s.Heartbeat, inst, cfg, s.Pool)
	if err := m.Listen(cfg); err != nil {
		return err
	}
	s.RegisterShutdown(m.Shutdown)
	return nil
}
