package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volery.xml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func goodConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfig(t, `<jabberd>
  <log id="logger.example.org">
    <file>`+filepath.Join(dir, "volery.log")+`</file>
  </log>
  <xdb id="xdb.example.org">
    <host/>
    <spool>`+filepath.Join(dir, "spool")+`</spool>
  </xdb>
  <service id="sm.example.org">
    <host>example.org</host>
    <dummy xmlns="test:dummy"/>
  </service>
  <service id="cm.example.org">
    <uplink/>
  </service>
  <global>
    <router>
      <null-source>old@gone.example.org</null-source>
    </router>
  </global>
</jabberd>`)
}

func TestConfigureBuildsInstances(t *testing.T) {
	s := New(goodConfig(t), nil, nil)
	if err := s.Configure(); err != nil {
		t.Fatal(err)
	}
	defer s.ShutdownAndExit()

	for _, id := range []string{"logger.example.org", "xdb.example.org", "sm.example.org", "cm.example.org"} {
		if s.Instance(id) == nil {
			t.Errorf("instance %s was not built", id)
		}
	}
	if !s.Router.IsUplink(s.Instance("cm.example.org")) {
		t.Error("uplink not configured")
	}

	s.Start()

	// routing works end to end: a message for example.org reaches the sm
	var got []*router.Packet
	s.Instance("sm.example.org").RegisterHandler(router.OrderDeliver, func(_ *router.Instance, p *router.Packet) router.Result {
		got = append(got, p)
		return router.ResultDone
	})
	x, _ := xmlx.ParseString(`<message to="a@example.org" from="b@cm.example.org"/>`)
	s.Router.Deliver(router.NewPacket(x), nil)
	if len(got) != 1 {
		t.Errorf("configured routing delivered %d packets, want 1", len(got))
	}
}

func TestDuplicateInstanceIDRejected(t *testing.T) {
	cfg := writeConfig(t, `<jabberd>
  <service id="sm.example.org"><host/></service>
  <service id="sm.example.org"><host/></service>
</jabberd>`)

	s := New(cfg, nil, nil)
	err := s.Configure()
	if err == nil {
		t.Fatal("duplicate instance ids must be a configuration error")
	}
	if !strings.Contains(err.Error(), "same id") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInvalidSectionRejected(t *testing.T) {
	cfg := writeConfig(t, `<jabberd><bogus id="x.example.org"><host/></bogus></jabberd>`)
	if err := New(cfg, nil, nil).Configure(); err == nil {
		t.Fatal("an unknown section must be a configuration error")
	}
}

func TestSectionWithoutIDRejected(t *testing.T) {
	cfg := writeConfig(t, `<jabberd><service><host/></service></jabberd>`)
	if err := New(cfg, nil, nil).Configure(); err == nil {
		t.Fatal("a section without an id must be a configuration error")
	}
}

func TestUnknownBaseTagRejected(t *testing.T) {
	cfg := writeConfig(t, `<jabberd><service id="x.example.org"><nonsense/></service></jabberd>`)
	if err := New(cfg, nil, nil).Configure(); err == nil {
		t.Fatal("an unknown un-namespaced element must be a configuration error")
	}
}

func TestWholeOrNoneNSRule(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, `<jabberd>
  <xdb id="xdb1.example.org"><host/><ns>jabber:iq:auth</ns><spool>`+filepath.Join(dir, "a")+`</spool></xdb>
  <xdb id="xdb2.example.org"><host/><spool>`+filepath.Join(dir, "b")+`</spool></xdb>
</jabberd>`)

	if err := New(cfg, nil, nil).Configure(); err == nil {
		t.Fatal("an xdb section without <ns/> must be rejected once any section uses it")
	}
}

func TestDuplicateUplinkRejected(t *testing.T) {
	cfg := writeConfig(t, `<jabberd>
  <service id="a.example.org"><uplink/></service>
  <service id="b.example.org"><uplink/></service>
</jabberd>`)

	if err := New(cfg, nil, nil).Configure(); err == nil {
		t.Fatal("two uplinks must be a configuration error")
	}
}

func TestReloadRollsBackOnBrokenConfig(t *testing.T) {
	path := goodConfig(t)
	s := New(path, nil, nil)
	if err := s.Configure(); err != nil {
		t.Fatal(err)
	}
	defer s.ShutdownAndExit()
	old := s.Config()

	// break the file on disk, then reload
	if err := os.WriteFile(path, []byte(`<jabberd>
  <service id="dup.example.org"><host/></service>
  <service id="dup.example.org"><host/></service>
</jabberd>`), 0o600); err != nil {
		t.Fatal(err)
	}
	s.Reload()

	if s.Config() != old {
		t.Error("a broken reload must leave the old configuration in place")
	}

	// a good file replaces it
	if err := os.WriteFile(path, []byte(`<jabberd>
  <service id="new.example.org"><host/></service>
</jabberd>`), 0o600); err != nil {
		t.Fatal(err)
	}
	s.Reload()
	if s.Config() == old {
		t.Error("a valid reload must swap in the new configuration")
	}
}

func TestShutdownRunsCallbacksInReverse(t *testing.T) {
	s := New(goodConfig(t), nil, nil)
	if err := s.Configure(); err != nil {
		t.Fatal(err)
	}

	var order []string
	s.RegisterShutdown(func() { order = append(order, "first") })
	s.RegisterShutdown(func() { order = append(order, "second") })

	s.ShutdownAndExit()

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("shutdown order = %v, want [second first]", order)
	}
	if s.Router.StateNow() != router.StateShutdown {
		t.Error("router must be paused on shutdown")
	}
}
