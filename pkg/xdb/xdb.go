package xdb

import (
	"fmt"
	"sort"
	"strconv"
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
	// DefaultResend is how old a request may get before it is sent again.
	DefaultResend = 10 * time.Second
	// DefaultExpire is how old a request may get before its waiter is
	// woken with no data.
	DefaultExpire = 30 * time.Second
)

// call is one in-flight xdb request.
type call struct {
	id        int
	owner     *jid.JID
	ns        string
	set       bool
	data      *xmlx.Element
	action    string
	match     string
	matchPath string
	matchNS   map[string]string
	sent      time.Time
	ch        chan *xmlx.Element
}

// Cache turns the asynchronous xdb request/response traffic on the router
// into synchronous Get/Set/Act calls. One cache belongs to one sending
// instance; replies must route back to that instance, where a PRECOND
// handler picks them up before anything else sees them.
type Cache struct {
	r    *router.Router
	inst *router.Instance

	mu      sync.Mutex
	nextID  int
	pending map[int]*call

	// Resend and Expire are variable for tests.
	Resend time.Duration
	Expire time.Duration
}

// NewCache creates the cache for an instance, hooks the response handler
// into the instance chain and registers the sweep beat.
func NewCache(r *router.Router, hb *heartbeat.Ring, inst *router.Instance) *Cache {
	c := &Cache{
		r:       r,
		inst:    inst,
		pending: make(map[int]*call),
		Resend:  DefaultResend,
		Expire:  DefaultExpire,
	}
	inst.RegisterHandler(router.OrderPrecond, c.handleResult)
	if hb != nil {
		hb.Register(10, c.sweep)
	}
	metrics.RegisterProbe("xdb:"+inst.ID, c.probe)
	return c
}

// probe reports the correlator's in-flight request count.
func (c *Cache) probe() metrics.Status {
	c.mu.Lock()
	inflight := len(c.pending)
	c.mu.Unlock()
	return metrics.Status{
		Healthy: true,
		Stats:   map[string]int{"inflight": inflight},
	}
}

// handleResult filters incoming packets of the instance for xdb replies.
func (c *Cache) handleResult(_ *router.Instance, p *router.Packet) router.Result {
	if p.Kind != router.KindNorm || len(p.X.Name) == 0 || p.X.Name[0] != 'x' {
		return router.ResultPass
	}

	log.ZoneDebug("xdb", "checking xdb packet "+p.X.String())

	idstr := p.X.Attr("id")
	if idstr == "" {
		return router.ResultErr
	}
	id, err := strconv.Atoi(idstr)
	if err != nil {
		return router.ResultErr
	}

	c.mu.Lock()
	cur, ok := c.pending[id]
	if !ok {
		// a reply we no longer wait for, could be a duplicate
		c.mu.Unlock()
		return router.ResultDone
	}
	delete(c.pending, id)
	c.mu.Unlock()
	metrics.XDBInFlight.Dec()

	if p.X.Attr("type") == "error" {
		cur.ch <- nil
	} else {
		cur.ch <- p.X
	}
	return router.ResultDone
}

// sweep wakes waiters whose requests expired and retransmits the ones that
// are merely slow.
func (c *Cache) sweep() heartbeat.Result {
	now := time.Now()

	c.mu.Lock()
	var expired []*call
	var resend []*call
	for id, cur := range c.pending {
		age := now.Sub(cur.sent)
		if age >= c.Expire {
			delete(c.pending, id)
			expired = append(expired, cur)
		} else if age >= c.Resend {
			resend = append(resend, cur)
		}
	}
	c.mu.Unlock()

	for _, cur := range expired {
		metrics.XDBInFlight.Dec()
		metrics.XDBTimeoutsTotal.Inc()
		cur.ch <- nil
	}
	for _, cur := range resend {
		metrics.XDBRetransmitsTotal.Inc()
		c.deliver(cur)
	}
	return heartbeat.Done
}

// deliver builds the request element for a call and routes it with this
// cache's instance as the sender, so the reply finds its way back.
func (c *Cache) deliver(cur *call) {
	x := xmlx.New("xdb")
	x.SetAttr("type", "get")
	if cur.set {
		x.SetAttr("type", "set")
		if cur.data != nil {
			x.AddChild(cur.data.Clone())
		}
		if cur.action != "" {
			x.SetAttr("action", cur.action)
		}
		if cur.match != "" {
			x.SetAttr("match", cur.match)
		}
		if cur.matchPath != "" {
			x.SetAttr("matchpath", cur.matchPath)
		}
		if len(cur.matchNS) > 0 {
			x.SetAttr("matchns", serializeNSMap(cur.matchNS))
		}
	}
	x.SetAttr("to", cur.owner.Full())
	x.SetAttr("from", c.inst.ID)
	x.SetAttr("ns", cur.ns)
	x.SetAttr("id", strconv.Itoa(cur.id))

	log.ZoneDebug("xdb", "delivering xdb request: "+x.String())
	c.r.Deliver(router.NewPacket(x), c.inst)
}

func serializeNSMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ns := xmlx.New("namespaces")
	for _, k := range keys {
		e := ns.AddChild(xmlx.New("namespace"))
		e.SetAttr("prefix", k)
		e.AddText(m[k])
	}
	return ns.String()
}

// enqueue registers a call and sends the request.
func (c *Cache) enqueue(cur *call) {
	cur.sent = time.Now()
	cur.ch = make(chan *xmlx.Element, 1)

	c.mu.Lock()
	cur.id = c.nextID
	c.nextID++
	c.pending[cur.id] = cur
	c.mu.Unlock()
	metrics.XDBInFlight.Inc()

	c.deliver(cur)
}

// Get blocks until the namespace is retrieved for the owner JID, and
// returns the first element child of the reply, or nil on timeout or
// error reply.
func (c *Cache) Get(owner *jid.JID, ns string) *xmlx.Element {
	if owner == nil || ns == "" {
		return nil
	}

	cur := &call{owner: owner, ns: ns}
	c.enqueue(cur)

	log.ZoneDebug("xdb", "get waiting for "+owner.Full()+" "+ns)
	reply := <-cur.ch
	log.ZoneDebug("xdb", "get done waiting for "+owner.Full()+" "+ns)

	if reply == nil {
		return nil
	}
	return reply.FirstChild()
}

// Set stores data under the namespace for the owner JID. The data element
// is not consumed; the cache sends a copy.
func (c *Cache) Set(owner *jid.JID, ns string, data *xmlx.Element) error {
	return c.act(&call{owner: owner, ns: ns, set: true, data: data})
}

// Act performs a set with an action and an element match expression.
func (c *Cache) Act(owner *jid.JID, ns, action, match string, data *xmlx.Element) error {
	return c.act(&call{owner: owner, ns: ns, set: true, data: data, action: action, match: match})
}

// ActPath performs a set with an action and a path match expression plus
// its namespace prefix map.
func (c *Cache) ActPath(owner *jid.JID, ns, action, matchPath string, matchNS map[string]string, data *xmlx.Element) error {
	return c.act(&call{owner: owner, ns: ns, set: true, data: data, action: action, matchPath: matchPath, matchNS: matchNS})
}

func (c *Cache) act(cur *call) error {
	if cur.owner == nil || cur.ns == "" {
		return fmt.Errorf("xdb set needs an owner and a namespace")
	}

	c.enqueue(cur)

	log.ZoneDebug("xdb", "set waiting for "+cur.owner.Full()+" "+cur.ns)
	reply := <-cur.ch
	log.ZoneDebug("xdb", "set done waiting for "+cur.owner.Full()+" "+cur.ns)

	if reply == nil {
		return fmt.Errorf("xdb set for %s %s failed", cur.owner.Full(), cur.ns)
	}
	return nil
}
