package dnsrv

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/volery/volery/pkg/heartbeat"
	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

const (
	// DefaultQueueTimeout is how long a packet may wait for a resolution.
	DefaultQueueTimeout = 60 * time.Second
	// DefaultCacheTimeout is how long a positive resolution stays cached.
	// Negative results expire ten times faster.
	DefaultCacheTimeout = time.Hour
)

// weightedHost is one resend target of a service with its selection weight.
type weightedHost struct {
	host   string
	weight int
}

// resendService binds a DNS service to the components that traffic for it
// is resent to.
type resendService struct {
	service   string
	hosts     []weightedHost
	weightSum int
}

// pick selects one resend target by weighted random choice.
func (s *resendService) pick(rnd *rand.Rand) string {
	if len(s.hosts) == 0 {
		return ""
	}
	die := 0
	if s.weightSum > 1 {
		die = rnd.Intn(s.weightSum)
	}
	for _, h := range s.hosts {
		if die < h.weight {
			return h.host
		}
		die -= h.weight
	}
	return s.hosts[len(s.hosts)-1].host
}

type pendingPacket struct {
	p     *router.Packet
	stamp time.Time
}

type cacheEntry struct {
	reply *xmlx.Element
	stamp time.Time
}

// Lookup resolves one hostname and returns the reply element:
// <host ip="..." to="...">name</host> on success, <host>name</host> on
// failure. Injected so tests can stub the resolver.
type Lookup func(host string) *xmlx.Element

// Component is the DNS resolver: packets routed to it are held on a
// per-hostname pending queue while a resolver worker owns the lookups;
// results are cached and the packets re-delivered inside <route/>
// envelopes stamped with the resolved addresses.
type Component struct {
	r    *router.Router
	inst *router.Instance

	services []resendService
	lookup   Lookup
	rnd      *rand.Rand

	mu      sync.Mutex
	pending map[string][]pendingPacket
	cache   map[string]cacheEntry

	queueTimeout time.Duration
	cacheTimeout time.Duration

	requests chan string
	stopCh   chan struct{}
}

// New creates the resolver component from its configuration subtree and
// hooks it into the instance chain and the heartbeat.
//
// Config shape:
//
//	<resend service="_xmpp-server._tcp"><partial weight="2">s2s1</partial></resend>
//	<resend service="_jabber._tcp">s2s</resend>
//	<resend>s2s</resend>
//	<upstream>127.0.0.1:53</upstream>
//	<queuetimeout>60</queuetimeout>
//	<cachetimeout>3600</cachetimeout>
func New(r *router.Router, hb *heartbeat.Ring, inst *router.Instance, cfg *xmlx.Element) *Component {
	c := &Component{
		r:            r,
		inst:         inst,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:      make(map[string][]pendingPacket),
		cache:        make(map[string]cacheEntry),
		queueTimeout: DefaultQueueTimeout,
		cacheTimeout: DefaultCacheTimeout,
		requests:     make(chan string, 64),
		stopCh:       make(chan struct{}),
	}

	var upstreams []string
	if cfg != nil {
		for _, e := range cfg.Children {
			switch e.Name {
			case "resend":
				c.services = append(c.services, parseResend(e))
			case "upstream":
				if s := strings.TrimSpace(e.Text); s != "" {
					upstreams = append(upstreams, s)
				}
			case "queuetimeout":
				if n, err := strconv.Atoi(strings.TrimSpace(e.Text)); err == nil && n > 0 {
					c.queueTimeout = time.Duration(n) * time.Second
				}
			case "cachetimeout":
				if n, err := strconv.Atoi(strings.TrimSpace(e.Text)); err == nil && n > 0 {
					c.cacheTimeout = time.Duration(n) * time.Second
				}
			}
		}
	}

	c.lookup = newResolver(upstreams, c.services, c.rnd).resolve

	inst.RegisterHandler(router.OrderDeliver, c.handle)
	if hb != nil {
		hb.Register(int(c.queueTimeout/time.Second), c.sweepPending)
	}
	metrics.RegisterProbe("dnsrv:"+inst.ID, c.probe)
	return c
}

// probe reports the resolver's queue and cache depths.
func (c *Component) probe() metrics.Status {
	c.mu.Lock()
	pending := len(c.pending)
	cached := len(c.cache)
	c.mu.Unlock()
	return metrics.Status{
		Healthy: true,
		Stats: map[string]int{
			"pending_hosts": pending,
			"cached_hosts":  cached,
		},
	}
}

func parseResend(e *xmlx.Element) resendService {
	svc := resendService{service: e.Attr("service")}
	for _, p := range e.Children {
		if p.Name != "partial" {
			continue
		}
		w, err := strconv.Atoi(p.Attr("weight"))
		if err != nil || w <= 0 {
			w = 1
		}
		svc.hosts = append(svc.hosts, weightedHost{host: strings.TrimSpace(p.Text), weight: w})
		svc.weightSum += w
	}
	if len(svc.hosts) == 0 {
		// legacy configuration: a single destination as direct text
		svc.hosts = []weightedHost{{host: strings.TrimSpace(e.Text), weight: 1}}
		svc.weightSum = 1
	}
	return svc
}

// Start launches the resolver worker.
func (c *Component) Start() {
	go c.worker()
}

// Stop shuts the worker down.
func (c *Component) Stop() {
	close(c.stopCh)
}

// worker owns the lookups, one hostname at a time, the way the forked
// coprocess did. A panicking lookup respawns the worker without dropping
// the pending entries; the requests for them are simply re-sent on retry.
func (c *Component) worker() {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithComponent("dnsrv").Error().Interface("panic", rec).Msg("resolver worker died, restarting")
			go c.worker()
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		case host := <-c.requests:
			t := metrics.NewTimer()
			reply := c.lookup(host)
			t.ObserveDuration(metrics.DNSLookupDuration)
			c.handleReply(reply)
		}
	}
}

// handle is the delivery handler: a packet routed to the resolver is
// answered from cache, coalesced onto a pending lookup, or starts a new
// one. Log records and packets that already carry a resolution are not
// looked up.
func (c *Component) handle(_ *router.Instance, p *router.Packet) router.Result {
	// a log record reaching the resolver as uplink has no destination to
	// resolve; failing it sends it to the router's error stream
	if p.Kind == router.KindLog {
		return router.ResultErr
	}

	// a route envelope must be addressed to us and carry the real packet
	if p.Kind == router.KindRoute {
		if p.Host != c.inst.ID {
			return router.ResultErr
		}
		inner := p.X.FirstChild()
		if inner == nil {
			return router.ResultErr
		}
		to, err := jid.Parse(inner.Attr("to"))
		if err != nil {
			return router.ResultErr
		}
		p.X = inner
		p.ID = to
		p.To = to
		p.Host = to.Domain
	}

	// a packet that has been through resolution once does not loop
	if p.X.HasAttr("ip") || p.X.HasAttr("iperror") {
		c.r.LogNotice(p.Host, "dropping looping dns lookup request: "+p.X.String())
		return router.ResultDone
	}

	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.cache[p.Host]; ok {
		timeout := c.cacheTimeout
		ip := entry.reply.Attr("ip")
		if ip == "" {
			// cached failed lookups time out ten times faster
			timeout /= 10
		}
		if now.Sub(entry.stamp) > timeout {
			delete(c.cache, p.Host)
		} else {
			c.mu.Unlock()
			metrics.DNSCacheHitsTotal.Inc()
			c.resend(p.X, ip, entry.reply.Attr("to"))
			return router.ResultDone
		}
	}

	if chain, ok := c.pending[p.Host]; ok {
		// a lookup is already under way, ride along
		log.ZoneDebug("dnsrv", "adding lookup request for "+p.Host+" to pending queue")
		c.pending[p.Host] = append(chain, pendingPacket{p: p, stamp: now})
		c.mu.Unlock()
		return router.ResultDone
	}

	log.ZoneDebug("dnsrv", "creating lookup request queue for "+p.Host)
	c.pending[p.Host] = []pendingPacket{{p: p, stamp: now}}
	metrics.DNSPendingDepth.Set(float64(len(c.pending)))
	c.mu.Unlock()

	select {
	case c.requests <- p.Host:
	default:
		// the worker is hopelessly backed up, treat as resolver error
		c.mu.Lock()
		delete(c.pending, p.Host)
		metrics.DNSPendingDepth.Set(float64(len(c.pending)))
		c.mu.Unlock()
		c.r.DeliverFail(p, "DNS Resolver Error")
	}
	return router.ResultDone
}

// handleReply caches a resolution and re-delivers every waiting packet.
func (c *Component) handleReply(x *xmlx.Element) {
	if x == nil {
		return
	}
	hostname := x.Text
	log.ZoneDebug("dnsrv", "incoming resolution: "+x.String())

	outcome := "ok"
	if x.Attr("ip") == "" {
		outcome = "fail"
	}
	metrics.DNSLookupsTotal.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.cache[hostname] = cacheEntry{reply: x, stamp: time.Now()}
	chain := c.pending[hostname]
	delete(c.pending, hostname)
	metrics.DNSPendingDepth.Set(float64(len(c.pending)))
	c.mu.Unlock()

	ip := x.Attr("ip")
	to := x.Attr("to")
	for _, q := range chain {
		c.resend(q.p.X, ip, to)
	}
}

// resend re-delivers one resolved packet: wrapped in a route envelope
// stamped with the addresses on success, bounced as a stanza error on
// failure.
func (c *Component) resend(x *xmlx.Element, ip, to string) {
	if ip != "" {
		// a component may ask for the result to come back to itself
		resultTo := x.Attr("dnsqueryby")
		if resultTo == "" {
			resultTo = to
		}
		log.ZoneDebug("dnsrv", "delivering DNS result to: "+resultTo)
		wrapped := x.Wrap("route")
		wrapped.SetAttr("to", resultTo)
		wrapped.SetAttr("ip", ip)
		c.r.Deliver(router.NewPacket(wrapped), nil)
		return
	}
	router.StanzaError(x, "Unable to resolve hostname.")
	x.SetAttr("iperror", "")
	c.r.Deliver(router.NewPacket(x), nil)
}

// sweepPending bounces packets that waited longer than the queue timeout.
func (c *Component) sweepPending() heartbeat.Result {
	now := time.Now()

	c.mu.Lock()
	var stale []*router.Packet
	for host, chain := range c.pending {
		var keep []pendingPacket
		for _, q := range chain {
			if now.Sub(q.stamp) > c.queueTimeout {
				stale = append(stale, q.p)
			} else {
				keep = append(keep, q)
			}
		}
		if len(keep) == 0 {
			log.WithComponent("dnsrv").Info().Str("host", host).Msg("timed out from resolver queue")
			delete(c.pending, host)
		} else {
			c.pending[host] = keep
		}
	}
	metrics.DNSPendingDepth.Set(float64(len(c.pending)))
	c.mu.Unlock()

	for _, p := range stale {
		c.r.DeliverFail(p, "Hostname Resolution Timeout")
	}
	return heartbeat.Done
}
