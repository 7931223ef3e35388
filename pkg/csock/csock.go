package csock

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volery/volery/pkg/heartbeat"
	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/mtq"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

const (
	// DefaultAuthTimeout closes connections that have not authenticated.
	DefaultAuthTimeout = 120
	// DefaultHeartbeat is the keepalive period for idle sessions.
	DefaultHeartbeat = 60

	authNS     = "jabber:iq:auth"
	registerNS = "jabber:iq:register"
	tlsNS      = "urn:ietf:params:xml:ns:xmpp-tls"

	fallbackAuthID = "csock_auth_ID"
)

// State of one client connection.
type State int

const (
	StateUnknown State = iota
	StateAuthd
)

// Conn abstracts the transport of one client connection, so the session
// logic does not own the socket.
type Conn interface {
	WriteString(s string) error
	WriteElement(x *xmlx.Element) error
	Close() error
	IP() string
}

// StartTLSConn is implemented by transports that can upgrade to TLS in
// place.
type StartTLSConn interface {
	Conn
	StartTLS(cfg *tls.Config) error
}

// Session is the per-connection record: its state machine position, the
// downstream session address and the queue of stanzas received before
// authentication.
type Session struct {
	mgr  *Manager
	conn Conn

	state     State
	aliased   bool
	sessionID *jid.JID // downstream session-manager address
	sendingID *jid.JID // the host the client advertised
	clientID  string   // "<fd>@<mgr-host>/<cookie>"
	sid       string   // stream id
	res       string   // connection cookie
	authID    string

	preAuth []*xmlx.Element
	queue   *mtq.Queue

	connectTime  time.Time
	lastActivity time.Time
}

// Manager is the client connection manager component: it multiplexes all
// client connections onto the router by wrapping their stanzas in route
// envelopes addressed to the session manager.
type Manager struct {
	r    *router.Router
	inst *router.Instance
	host string

	authTimeout     int
	heartbeat       int
	registerFeature bool
	aliases         map[string]string
	tlsConfig       *tls.Config

	pool *mtq.Pool

	mu       sync.Mutex
	sessions map[string]*Session
	nextFD   int
}

// New builds the manager from its configuration subtree and registers the
// delivery handler and timers.
//
// Config shape:
//
//	<alias to="main.example.org">legacy.example.org</alias>
//	<alias to="default.example.org"/>
//	<authtime>120</authtime>
//	<heartbeat>60</heartbeat>
//	<noregister/>
//	<ip port="5222"/>
//	<tls port="5223" cert="server.crt" key="server.key"/>
func New(r *router.Router, hb *heartbeat.Ring, inst *router.Instance, cfg *xmlx.Element, pool *mtq.Pool) *Manager {
	m := &Manager{
		r:               r,
		inst:            inst,
		host:            inst.ID,
		authTimeout:     DefaultAuthTimeout,
		heartbeat:       DefaultHeartbeat,
		registerFeature: true,
		aliases:         make(map[string]string),
		pool:            pool,
		sessions:        make(map[string]*Session),
	}

	if cfg != nil {
		for _, e := range cfg.Children {
			switch e.Name {
			case "alias":
				to := e.Attr("to")
				if to == "" {
					continue
				}
				if h := strings.TrimSpace(e.Text); h != "" {
					m.aliases[h] = to
				} else {
					m.aliases["default"] = to
				}
			case "authtime":
				if n, err := strconv.Atoi(strings.TrimSpace(e.Text)); err == nil {
					m.authTimeout = n
				}
			case "heartbeat":
				if n, err := strconv.Atoi(strings.TrimSpace(e.Text)); err == nil {
					m.heartbeat = n
				}
			case "noregister":
				m.registerFeature = false
			}
		}
	}

	inst.RegisterHandler(router.OrderDeliver, m.handleRoute)
	if hb != nil {
		if m.authTimeout > 0 {
			hb.Register(5, m.sweepUnauthed)
		}
		if m.heartbeat > 0 {
			hb.Register(m.heartbeat, m.keepalive)
		}
	}
	metrics.RegisterProbe("csock:"+inst.ID, m.probe)
	return m
}

// probe reports the connection counts by session state.
func (m *Manager) probe() metrics.Status {
	m.mu.Lock()
	authd, unknown := 0, 0
	for _, s := range m.sessions {
		if s.state == StateAuthd {
			authd++
		} else {
			unknown++
		}
	}
	m.mu.Unlock()
	return metrics.Status{
		Healthy: true,
		Stats: map[string]int{
			"sessions_authd":   authd,
			"sessions_unknown": unknown,
		},
	}
}

// SetTLSConfig provides the server credential used for the starttls
// stream feature.
func (m *Manager) SetTLSConfig(cfg *tls.Config) {
	m.tlsConfig = cfg
}

// makeRoute wraps x (or nothing) in a route envelope.
func makeRoute(x *xmlx.Element, to, from, routeType string) *xmlx.Element {
	var route *xmlx.Element
	if x != nil {
		route = x.Wrap("route")
	} else {
		route = xmlx.New("route")
	}
	if routeType != "" {
		route.SetAttr("type", routeType)
	}
	if to != "" {
		route.SetAttr("to", to)
	}
	if from != "" {
		route.SetAttr("from", from)
	}
	return route
}

// NewSession attaches a freshly accepted connection.
func (m *Manager) NewSession(conn Conn) *Session {
	now := time.Now()
	s := &Session{
		mgr:          m,
		conn:         conn,
		state:        StateUnknown,
		res:          uuid.NewString()[:8],
		connectTime:  now,
		lastActivity: now,
	}
	if m.pool != nil {
		s.queue = m.pool.NewQueue()
	}

	m.mu.Lock()
	m.nextFD++
	s.clientID = fmt.Sprintf("%d@%s/%s", m.nextFD, m.host, s.res)
	m.sessions[s.clientID] = s
	m.mu.Unlock()
	metrics.ClientSessionsTotal.WithLabelValues("unknown").Inc()

	return s
}

func (m *Manager) lookup(clientID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[clientID]
}

func (m *Manager) drop(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.clientID)
	m.mu.Unlock()
}

// ConnClosed is called by the transport when the client connection goes
// away: the session manager learns about it through a routed error packet.
func (m *Manager) ConnClosed(s *Session) {
	m.drop(s)
	if s.state == StateAuthd {
		metrics.ClientSessionsTotal.WithLabelValues("authd").Dec()
		h := makeRoute(nil, s.sessionID.Full(), s.clientID, "error")
		m.r.Deliver(router.NewPacket(h), m.inst)
	} else {
		metrics.ClientSessionsTotal.WithLabelValues("unknown").Dec()
		for _, x := range s.preAuth {
			log.ZoneDebug("csock", "freeing unsent packet due to disconnect with no auth: "+x.String())
		}
		s.preAuth = nil
	}
}

// HandleStreamRoot processes the client's stream header and answers with
// our own, advertising stream features for XMPP 1.0 clients.
func (s *Session) HandleStreamRoot(root *xmlx.Element) {
	m := s.mgr
	to := root.Attr("to")
	s.sendingID, _ = jid.Parse(to)

	version := 0
	if v := root.Attr("version"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1.0 {
			version = 1
		}
	}

	// map the advertised host through the alias table
	alias := m.aliases[to]
	if alias == "" {
		alias = m.aliases["default"]
	}
	if alias != "" {
		s.sessionID, _ = jid.Parse(alias)
	} else {
		s.sessionID = s.sendingID
	}
	if s.sessionID != nil && s.sendingID != nil && s.sessionID.Full() != s.sendingID.Full() {
		s.aliased = true
		log.ZoneDebug("csock", "using alias "+s.sendingID.Full()+" -> "+s.sessionID.Full())
	}

	s.sid = uuid.NewString()

	from := ""
	if s.sessionID != nil {
		from = s.sessionID.Full()
	}
	header := "<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='" +
		s.sid + "' from='" + from + "'"
	if version >= 1 {
		header += " version='1.0'"
	}
	header += ">"
	_ = s.conn.WriteString(header)

	if s.sessionID == nil {
		// no to host and no default alias to fall back to
		_ = s.conn.WriteString("<stream:error><improper-addressing xmlns='urn:ietf:params:xml:ns:xmpp-streams'/></stream:error></stream:stream>")
		_ = s.conn.Close()
		return
	}

	if version >= 1 {
		features := xmlx.New("stream:features")
		if m.tlsConfig != nil {
			features.AddChild(xmlx.New("starttls")).SetAttr("xmlns", tlsNS)
		}
		if m.registerFeature {
			features.AddChild(xmlx.New("register")).SetAttr("xmlns", "http://jabber.org/features/iq-register")
		}
		features.AddChild(xmlx.New("auth")).SetAttr("xmlns", "http://jabber.org/features/iq-auth")
		_ = s.conn.WriteElement(features)
	}
}

// Enqueue hands a stanza read from the client to the session's ordered
// work queue, keeping per-session FIFO handling while sharing the workers.
func (s *Session) Enqueue(x *xmlx.Element) {
	if s.queue == nil {
		s.HandleStanza(x)
		return
	}
	s.queue.Send(func() { s.HandleStanza(x) })
}

// HandleStanza processes one stanza received from the client.
func (s *Session) HandleStanza(x *xmlx.Element) {
	m := s.mgr
	metrics.ClientStanzasTotal.WithLabelValues("in").Inc()

	// uphold the alias on both addresses
	if s.aliased && s.sendingID != nil {
		for _, attr := range []string{"to", "from"} {
			if j, err := jid.Parse(x.Attr(attr)); err == nil && j.Domain == s.sendingID.Domain {
				x.SetAttr(attr, j.WithDomain(s.sessionID.Domain).Full())
			}
		}
	}

	if s.state == StateAuthd {
		// normal delivery once authenticated
		route := makeRoute(x, s.sessionID.Full(), s.clientID, "")
		m.r.Deliver(router.NewPacket(route), m.inst)
		s.lastActivity = time.Now()
		return
	}

	// starttls negotiation happens before anything else
	if x.Name == "starttls" {
		s.handleStartTLS()
		return
	}

	if s.sessionID == nil {
		// the stream header never produced a session address
		s.preAuth = append(s.preAuth, x)
		return
	}

	query := x.Child("query")
	queryNS := ""
	if query != nil {
		queryNS = query.Attr("xmlns")
	}

	switch {
	case queryNS == authNS:
		s.handleAuthQuery(x, query)
	case queryNS == registerNS:
		if s.sessionID != nil {
			if user := query.ChildText("username"); user != "" {
				s.sessionID.Node = user
			}
		}
		route := makeRoute(x, s.sessionID.Full(), s.clientID, "auth")
		m.r.Deliver(router.NewPacket(route), m.inst)
	default:
		// everything else waits for authentication
		s.preAuth = append(s.preAuth, x)
	}
}

func (s *Session) handleAuthQuery(x, query *xmlx.Element) {
	m := s.mgr
	switch x.Attr("type") {
	case "set":
		// digest auth needs the stream id to validate against
		if digest := query.Child("digest"); digest != nil {
			digest.SetAttr("sid", s.sid)
		}
		s.authID = x.Attr("id")
		if s.authID == "" {
			s.authID = fallbackAuthID
			x.SetAttr("id", fallbackAuthID)
		}
		if user := query.ChildText("username"); user != "" {
			s.sessionID.Node = user
		}
		if res := query.ChildText("resource"); res != "" {
			s.sessionID.Resource = res
		}
		route := makeRoute(x, s.sessionID.Full(), s.clientID, "auth")
		m.r.Deliver(router.NewPacket(route), m.inst)
	case "get":
		if user := query.ChildText("username"); user != "" {
			s.sessionID.Node = user
		}
		route := makeRoute(x, s.sessionID.Full(), s.clientID, "auth")
		m.r.Deliver(router.NewPacket(route), m.inst)
	}
}

func (s *Session) handleStartTLS() {
	m := s.mgr
	upgradable, ok := s.conn.(StartTLSConn)
	if m.tlsConfig == nil || !ok {
		_ = s.conn.WriteString("<failure xmlns='" + tlsNS + "'/></stream:stream>")
		_ = s.conn.Close()
		return
	}
	_ = s.conn.WriteString("<proceed xmlns='" + tlsNS + "'/>")
	if err := upgradable.StartTLS(m.tlsConfig); err != nil {
		log.WithComponent("csock").Warn().Err(err).Msg("starttls failed")
		_ = s.conn.Close()
	}
}

// handleRoute receives packets routed to this component: session control
// and stanzas destined for connected clients.
func (m *Manager) handleRoute(_ *router.Instance, p *router.Packet) router.Result {
	fd := 0
	if p.ID != nil && p.ID.Node != "" {
		fd, _ = strconv.Atoi(p.ID.Node)
	}

	if p.Kind != router.KindRoute || fd == 0 {
		// only route envelopes with a connection address make sense here
		m.r.LogWarn(p.Host, fmt.Sprintf("bouncing invalid %s packet from %s", p.X.Name, p.X.Attr("from")))
		m.r.DeliverFail(p, "invalid client packet")
		return router.ResultDone
	}

	s := m.lookup(p.X.Attr("to"))
	if s == nil {
		if p.X.Attr("type") == "session" {
			p.X.SwapToFrom()
			p.X.SetAttr("type", "error")
			m.r.Deliver(router.NewPacket(p.X), m.inst)
		}
		return router.ResultDone
	}

	if p.ID.Resource != s.res {
		// stale address for a reused connection slot
		if p.X.Attr("type") == "error" {
			log.ZoneDebug("csock", "received session close for non-existent session: "+p.X.Attr("from"))
			return router.ResultDone
		}
		log.ZoneDebug("csock", "connection not found for "+p.X.Attr("from")+", closing session")
		p.X.SwapToFrom()
		p.X.SetAttr("type", "error")
		m.r.Deliver(router.NewPacket(p.X), m.inst)
		return router.ResultDone
	}

	switch routeType := p.X.Attr("type"); {
	case routeType == "error":
		// the session manager disconnected us
		log.ZoneDebug("csock", "closing down session "+p.X.Attr("from")+" at request of session manager")
		_ = s.conn.WriteString("<stream:error><conflict xmlns='urn:ietf:params:xml:ns:xmpp-streams'/><text xmlns='urn:ietf:params:xml:ns:xmpp-streams' xml:lang='en'>Disconnected</text></stream:error></stream:stream>")
		_ = s.conn.Close()
		return router.ResultDone

	case s.state == StateUnknown && routeType == "auth":
		inner := p.X.FirstChild()
		innerType := ""
		innerID := ""
		if inner != nil {
			innerType = inner.Attr("type")
			innerID = inner.Attr("id")
		}
		if innerType == "result" && innerID == s.authID {
			// ask the session manager to start the session
			log.ZoneDebug("csock", "auth successful, requesting session start for "+s.sessionID.Full())
			x := makeRoute(nil, s.sessionID.Full(), s.clientID, "session")
			m.r.Deliver(router.NewPacket(x), m.inst)
		} else if innerType == "error" {
			code := ""
			if errEl := inner.Child("error"); errEl != nil {
				code = errEl.Attr("code")
			}
			m.r.LogRecord(s.sessionID.Bare(), "login", "fail",
				fmt.Sprintf("%s %s %s", s.conn.IP(), code, s.sessionID.Resource))
		}

	case s.state == StateUnknown && routeType == "session":
		// the session manager accepted; its from is the authoritative
		// session address from now on
		s.state = StateAuthd
		metrics.ClientSessionsTotal.WithLabelValues("unknown").Dec()
		metrics.ClientSessionsTotal.WithLabelValues("authd").Inc()
		m.r.LogRecord(s.sessionID.Bare(), "login", "ok",
			fmt.Sprintf("%s %s", s.conn.IP(), s.sessionID.Resource))
		if from, err := jid.Parse(p.X.Attr("from")); err == nil {
			s.sessionID = from
		}
		for _, queued := range s.preAuth {
			route := makeRoute(queued, s.sessionID.Full(), s.clientID, "")
			m.r.Deliver(router.NewPacket(route), m.inst)
		}
		s.preAuth = nil
		return router.ResultDone
	}

	if inner := p.X.FirstChild(); inner != nil && m.lookup(p.X.Attr("to")) != nil {
		log.ZoneDebug("csock", "writing packet to client: "+inner.String())
		metrics.ClientStanzasTotal.WithLabelValues("out").Inc()
		_ = s.conn.WriteElement(inner)
		s.lastActivity = time.Now()
	}
	return router.ResultDone
}

// sweepUnauthed closes connections that never authenticated in time.
func (m *Manager) sweepUnauthed() heartbeat.Result {
	deadline := time.Now().Add(-time.Duration(m.authTimeout) * time.Second)

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.state == StateUnknown && s.connectTime.Before(deadline) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		_ = s.conn.WriteString("<stream:error><connection-timeout xmlns='urn:ietf:params:xml:ns:xmpp-streams'/><text xmlns='urn:ietf:params:xml:ns:xmpp-streams' xml:lang='en'>Timeout waiting for authentication</text></stream:error></stream:stream>")
		_ = s.conn.Close()
	}
	return heartbeat.Done
}

// keepalive writes whitespace to authenticated sessions that have been
// idle for longer than the heartbeat period.
func (m *Manager) keepalive() heartbeat.Result {
	deadline := time.Now().Add(-time.Duration(m.heartbeat) * time.Second)

	m.mu.Lock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.state == StateAuthd && s.lastActivity.Before(deadline) {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		_ = s.conn.WriteString(" \n")
	}
	return heartbeat.Done
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
}
