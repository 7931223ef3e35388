package csock

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

// stubConn records everything the session writes to the client.
type stubConn struct {
	out    bytes.Buffer
	closed bool
}

func (c *stubConn) WriteString(s string) error {
	c.out.WriteString(s)
	return nil
}

func (c *stubConn) WriteElement(x *xmlx.Element) error {
	c.out.WriteString(x.String())
	return nil
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func (c *stubConn) IP() string { return "192.0.2.50" }

type recorder struct {
	inst    *router.Instance
	packets []*router.Packet
}

// harness: the manager instance owns cm.example.org, a sm recorder owns the
// session domain; no uplink is configured.
type harness struct {
	r    *router.Router
	m    *Manager
	sm   *recorder
	conn *stubConn
	sess *Session
}

func newHarness(t *testing.T, cfg string) *harness {
	t.Helper()
	h := &harness{r: router.New()}
	h.r.ErrStream = &bytes.Buffer{}

	h.sm = &recorder{inst: router.NewInstance("sm.example.org", router.KindNorm, nil)}
	h.sm.inst.RegisterHandler(router.OrderDeliver, func(_ *router.Instance, p *router.Packet) router.Result {
		h.sm.packets = append(h.sm.packets, p)
		return router.ResultDone
	})
	if err := h.r.RegisterInstance(h.sm.inst, "sm.example.org"); err != nil {
		t.Fatal(err)
	}

	inst := router.NewInstance("cm.example.org", router.KindNorm, nil)
	var cfgEl *xmlx.Element
	if cfg != "" {
		var err error
		cfgEl, err = xmlx.ParseString(cfg)
		if err != nil {
			t.Fatal(err)
		}
	}
	h.m = New(h.r, nil, inst, cfgEl, nil)
	if err := h.r.RegisterInstance(inst, "cm.example.org"); err != nil {
		t.Fatal(err)
	}

	h.r.Start()

	h.conn = &stubConn{}
	h.sess = h.m.NewSession(h.conn)
	return h
}

func (h *harness) openStream(t *testing.T, header string) {
	t.Helper()
	root, err := xmlx.ParseString(header)
	if err != nil {
		t.Fatal(err)
	}
	h.sess.HandleStreamRoot(root)
}

func (h *harness) fromClient(t *testing.T, stanza string) {
	t.Helper()
	x, err := xmlx.ParseString(stanza)
	if err != nil {
		t.Fatal(err)
	}
	h.sess.HandleStanza(x)
}

func (h *harness) fromRouter(t *testing.T, route string) {
	t.Helper()
	x, err := xmlx.ParseString(route)
	if err != nil {
		t.Fatal(err)
	}
	p := router.NewPacket(x)
	if p == nil {
		t.Fatalf("invalid route %s", route)
	}
	h.r.Deliver(p, nil)
}

func TestStreamHeaderAndFeatures(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org" version="1.0"/>`)

	out := h.conn.out.String()
	assert.Contains(t, out, "id='"+h.sess.sid+"'", "header must carry the stream id")
	assert.Contains(t, out, "from='sm.example.org'")
	assert.Contains(t, out, "version='1.0'")
	assert.Contains(t, out, "<stream:features>")
	assert.Contains(t, out, "<register", "registration feature advertised by default")
	assert.Contains(t, out, "<auth", "legacy auth feature always advertised")
	assert.NotContains(t, out, "<starttls", "no tls credential means no starttls")
}

func TestNoRegisterFeature(t *testing.T) {
	h := newHarness(t, `<pthcsock><noregister/></pthcsock>`)
	h.openStream(t, `<stream:stream to="sm.example.org" version="1.0"/>`)
	assert.NotContains(t, h.conn.out.String(), "<register")
}

func TestPreAuthStanzasAreQueued(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)

	h.fromClient(t, `<message to="friend@example.org"><body>too early</body></message>`)

	assert.Empty(t, h.sm.packets, "stanzas before auth must not reach the session manager")
	assert.Len(t, h.sess.preAuth, 1)
}

func TestAuthFlow(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)

	// a stanza queued before auth, to be drained later
	h.fromClient(t, `<presence/>`)

	// the client authenticates
	h.fromClient(t, `<iq type="set" id="auth1"><query xmlns="jabber:iq:auth"><username>alice</username><digest>abc</digest><resource>home</resource></query></iq>`)

	if !assert.Len(t, h.sm.packets, 1, "auth query must be routed") {
		t.FailNow()
	}
	authRoute := h.sm.packets[0].X
	assert.Equal(t, "auth", authRoute.Attr("type"))
	assert.Equal(t, "alice@sm.example.org/home", authRoute.Attr("to"))
	assert.Equal(t, h.sess.clientID, authRoute.Attr("from"))
	digest := authRoute.Find("iq/query/digest")
	if assert.NotNil(t, digest, "digest must survive the route wrap") {
		assert.Equal(t, h.sess.sid, digest.Attr("sid"), "digest must be stamped with the stream id")
	}

	// the session manager answers the auth query positively
	h.sm.packets = nil
	h.fromRouter(t, `<route type="auth" to="`+h.sess.clientID+`" from="alice@sm.example.org/home"><iq type="result" id="auth1"/></route>`)

	if !assert.Len(t, h.sm.packets, 1, "a session start must be requested") {
		t.FailNow()
	}
	sessionReq := h.sm.packets[0].X
	assert.Equal(t, "session", sessionReq.Attr("type"))
	assert.Contains(t, h.conn.out.String(), `<iq type="result" id="auth1"/>`, "the auth result is echoed to the client")

	// the session manager confirms the session with its chosen address
	h.sm.packets = nil
	h.fromRouter(t, `<route type="session" to="`+h.sess.clientID+`" from="alice@sm.example.org/session"/>`)

	assert.Equal(t, StateAuthd, h.sess.state)
	assert.Equal(t, "alice@sm.example.org/session", h.sess.sessionID.Full())
	if assert.Len(t, h.sm.packets, 1, "the pre-auth queue must drain") {
		drained := h.sm.packets[0].X
		assert.Equal(t, "route", drained.Name)
		assert.Equal(t, "alice@sm.example.org/session", drained.Attr("to"))
		assert.Equal(t, "presence", drained.FirstChild().Name)
	}
	assert.Empty(t, h.sess.preAuth)

	// stanzas now flow wrapped in route envelopes
	h.sm.packets = nil
	h.fromClient(t, `<message to="friend@example.org"><body>hi</body></message>`)
	if assert.Len(t, h.sm.packets, 1) {
		assert.Equal(t, "route", h.sm.packets[0].X.Name)
		assert.Equal(t, "alice@sm.example.org/session", h.sm.packets[0].X.Attr("to"))
	}
}

func TestRouteErrorClosesClient(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)

	h.fromRouter(t, `<route type="error" to="`+h.sess.clientID+`" from="sm.example.org"/>`)

	assert.True(t, h.conn.closed, "route error must close the socket")
	assert.Contains(t, h.conn.out.String(), "stream:error")
}

func TestInboundStanzaWrittenToClient(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)
	h.sess.state = StateAuthd

	h.fromRouter(t, `<route to="`+h.sess.clientID+`" from="sm.example.org"><message from="friend@example.org"><body>hello</body></message></route>`)

	assert.Contains(t, h.conn.out.String(), "<body>hello</body>")
}

func TestUnknownSessionErrorReply(t *testing.T) {
	h := newHarness(t, "")

	// an address for a connection that does not exist
	h.fromRouter(t, `<route type="session" to="99@cm.example.org/nope" from="sm.example.org"/>`)

	if assert.Len(t, h.sm.packets, 1, "a session request for a dead connection must bounce") {
		assert.Equal(t, "error", h.sm.packets[0].X.Attr("type"))
	}
}

func TestAliasRewriting(t *testing.T) {
	h := newHarness(t, `<pthcsock><alias to="sm.example.org">legacy.example.org</alias></pthcsock>`)
	// register the legacy domain nowhere; the alias maps it at the edge
	h.openStream(t, `<stream:stream to="legacy.example.org"/>`)

	assert.True(t, h.sess.aliased)
	assert.Equal(t, "sm.example.org", h.sess.sessionID.Domain)

	h.sess.state = StateAuthd
	h.fromClient(t, `<message to="friend@legacy.example.org" from="alice@legacy.example.org"><body>x</body></message>`)

	if assert.Len(t, h.sm.packets, 1) {
		inner := h.sm.packets[0].X.FirstChild()
		assert.Equal(t, "friend@sm.example.org", inner.Attr("to"))
		assert.Equal(t, "alice@sm.example.org", inner.Attr("from"))
	}
}

func TestDefaultAlias(t *testing.T) {
	h := newHarness(t, `<pthcsock><alias to="sm.example.org"/></pthcsock>`)
	h.openStream(t, `<stream:stream to="anything.example.net"/>`)
	assert.Equal(t, "sm.example.org", h.sess.sessionID.Domain)
}

func TestConnClosedPropagatesError(t *testing.T) {
	h := newHarness(t, "")
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)
	h.sess.state = StateAuthd

	h.m.ConnClosed(h.sess)

	if assert.Len(t, h.sm.packets, 1, "the session manager must learn about the disconnect") {
		assert.Equal(t, "error", h.sm.packets[0].X.Attr("type"))
	}
}

func TestAuthTimeoutSweep(t *testing.T) {
	h := newHarness(t, `<pthcsock><authtime>1</authtime></pthcsock>`)
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)

	h.sess.connectTime = time.Now().Add(-2 * time.Second)
	h.m.sweepUnauthed()

	assert.True(t, h.conn.closed, "an unauthenticated connection must be closed after the timeout")
	assert.Contains(t, h.conn.out.String(), "connection-timeout")
}

func TestKeepaliveOnlyWhenIdle(t *testing.T) {
	h := newHarness(t, `<pthcsock><heartbeat>1</heartbeat></pthcsock>`)
	h.openStream(t, `<stream:stream to="sm.example.org"/>`)
	h.sess.state = StateAuthd

	h.sess.lastActivity = time.Now()
	h.conn.out.Reset()
	h.m.keepalive()
	assert.False(t, strings.HasSuffix(h.conn.out.String(), " \n"), "an active session needs no keepalive")

	h.sess.lastActivity = time.Now().Add(-5 * time.Second)
	h.m.keepalive()
	assert.True(t, strings.HasSuffix(h.conn.out.String(), " \n"), "an idle session gets whitespace")
}

func TestInvalidPacketBounced(t *testing.T) {
	h := newHarness(t, "")

	// a message (not a route) addressed to the component itself
	x, _ := xmlx.ParseString(`<message to="cm.example.org" from="x@sm.example.org"/>`)
	h.r.Deliver(router.NewPacket(x), nil)

	// the bounce goes back to x@sm.example.org as an error
	if assert.Len(t, h.sm.packets, 1, "a non-route packet must bounce as an error") {
		assert.Equal(t, "error", h.sm.packets[0].X.Attr("type"))
	}
}
