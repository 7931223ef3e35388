package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasic(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "volery.xml", `<jabberd>
  <pidfile>/var/run/volery.pid</pidfile>
  <service id="sm.example.org"><host>example.org</host></service>
</jabberd>`)

	root, err := Load(main, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if Pidfile(root) != "/var/run/volery.pid" {
		t.Errorf("pidfile = %q", Pidfile(root))
	}
	if root.Child("service") == nil {
		t.Error("service section missing")
	}
}

func TestLoadExtraFiles(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "volery.xml", `<jabberd><service id="a.example.org"><host/></service></jabberd>`)
	extra := writeFile(t, dir, "extra.xml", `<service id="b.example.org"><host/></service>`)

	root, err := Load(main, []string{extra}, nil)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, c := range root.Children {
		if c.Name == "service" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("found %d service sections, want 2", count)
	}
}

func TestIncludeSplicesMatchingRoot(t *testing.T) {
	dir := t.TempDir()
	included := writeFile(t, dir, "inner.xml", `<jabberd><service id="inner.example.org"><host/></service></jabberd>`)
	main := writeFile(t, dir, "volery.xml",
		`<jabberd><jabberd:include>`+included+`</jabberd:include></jabberd>`)

	root, err := Load(main, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := root.Child("service")
	if svc == nil || svc.Attr("id") != "inner.example.org" {
		t.Error("included service was not spliced into the root")
	}
}

func TestIncludeNestingCap(t *testing.T) {
	dir := t.TempDir()

	// a file that includes itself recurses forever, the cap must stop it
	path := filepath.Join(dir, "loop.xml")
	writeFile(t, dir, "loop.xml", `<jabberd><jabberd:include>`+path+`</jabberd:include></jabberd>`)

	_, err := Load(path, nil, nil)
	if err == nil {
		t.Fatal("a runaway include chain must abort")
	}
	if !strings.Contains(err.Error(), "nested") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCmdlineReplacement(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "volery.xml", `<jabberd>
  <service id="sm.example.org">
    <host><jabberd:cmdline flag="h">fallback.example.org</jabberd:cmdline></host>
  </service>
</jabberd>`)

	// with the flag given on the command line
	root, err := Load(main, nil, map[string]string{"h": "cli.example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(root.FindText("service/host")); got != "cli.example.org" {
		t.Errorf("host = %q, want the command line value", got)
	}

	// without it, the inline fallback applies
	root, err = Load(main, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(root.FindText("service/host")); got != "fallback.example.org" {
		t.Errorf("host = %q, want the fallback value", got)
	}
}

func TestGlobalRouterSettings(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "volery.xml", `<jabberd>
  <global>
    <router>
      <null-source>old@gone.example.org</null-source>
      <dump>message/body</dump>
    </router>
    <metrics>127.0.0.1:9090</metrics>
  </global>
</jabberd>`)

	root, err := Load(main, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ns := NullSources(root); len(ns) != 1 || ns[0] != "old@gone.example.org" {
		t.Errorf("NullSources = %v", ns)
	}
	if dp := DumpPaths(root); len(dp) != 1 || dp[0] != "message/body" {
		t.Errorf("DumpPaths = %v", dp)
	}
	if MetricsAddr(root) != "127.0.0.1:9090" {
		t.Errorf("MetricsAddr = %q", MetricsAddr(root))
	}
}

func TestPidfileLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volery.pid")

	if err := WritePidfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("pidfile is empty")
	}

	// our own pid is alive, so a second write must refuse
	if err := WritePidfile(path); err == nil {
		t.Error("a pidfile naming a live process must refuse startup")
	}

	RemovePidfile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pidfile was not removed")
	}

	// a stale pid is reclaimed
	writeFile(t, dir, "volery.pid", "999999999")
	if err := WritePidfile(path); err != nil {
		t.Errorf("stale pidfile must be reclaimed: %v", err)
	}
	RemovePidfile(path)
}
