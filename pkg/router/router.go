package router

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/xmlx"
)

// State of the router with respect to startup and shutdown.
type State int

const (
	// StateStartup queues delivered packets until Start is called; xdb
	// requests for the internal domain are answered at once.
	StateStartup State = iota
	// StateRunning delivers normally.
	StateRunning
	// StateShutdown drops everything.
	StateShutdown
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	default:
		return "startup"
	}
}

type queued struct {
	p      *Packet
	sender *Instance
}

// Router owns the three domain-keyed routing tables plus the namespace and
// log-type filter tables and the uplink of last resort. All registration
// and lookup goes through it.
type Router struct {
	mu       sync.Mutex
	state    State
	norm     map[string][]*Instance
	xdb      map[string][]*Instance
	logt     map[string][]*Instance
	ns       map[string][]*Instance
	logTypes map[string][]*Instance
	uplink   *Instance

	nullSources map[string]bool
	dumpPaths   []string

	queue []queued

	globalNotifiers []RoutingNotifier

	// ErrStream receives undeliverable log packets; defaults to stderr.
	ErrStream io.Writer
}

// New creates a router in startup-queue mode.
func New() *Router {
	return &Router{
		norm:        make(map[string][]*Instance),
		xdb:         make(map[string][]*Instance),
		logt:        make(map[string][]*Instance),
		ns:          make(map[string][]*Instance),
		logTypes:    make(map[string][]*Instance),
		nullSources: make(map[string]bool),
		ErrStream:   os.Stderr,
	}
}

func (r *Router) table(k Kind) map[string][]*Instance {
	switch k {
	case KindLog:
		return r.logt
	case KindXDB:
		return r.xdb
	default:
		return r.norm
	}
}

// SetNullSources configures the bare from-addresses whose traffic is
// silently dropped.
func (r *Router) SetNullSources(addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nullSources = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a != "" {
			r.nullSources[a] = true
		}
	}
}

// SetDumpPaths configures the element paths that trigger a routed-packet
// dump at notice level.
func (r *Router) SetDumpPaths(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dumpPaths = append([]string(nil), paths...)
}

// OnRoutingUpdate registers a notifier fired for every routing change of
// every instance.
func (r *Router) OnRoutingUpdate(fn RoutingNotifier) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalNotifiers = append(r.globalNotifiers, fn)
}

// SetUplink configures the instance of last resort. Only one may exist.
func (r *Router) SetUplink(i *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uplink != nil {
		return fmt.Errorf("uplink already configured as %s", r.uplink.ID)
	}
	r.uplink = i
	return nil
}

// Uplink returns the configured uplink instance, or nil.
func (r *Router) Uplink() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uplink
}

// IsUplink reports whether i is the configured uplink.
func (r *Router) IsUplink(i *Instance) bool {
	return r.Uplink() == i
}

// RegisterInstance registers i as a recipient of packets for host ("*" for
// the default routing). Registering the same pair twice is a no-op.
func (r *Router) RegisterInstance(i *Instance, host string) error {
	log.ZoneDebug("router", "registering "+host+" with instance "+i.ID)

	r.mu.Lock()
	// whole-or-none rule: once any instance of the kind carries the
	// secondary filter, every instance of that kind must
	if i.Kind == KindXDB && len(r.ns) > 0 && i.Config != nil && i.Config.Child("ns") == nil {
		r.mu.Unlock()
		return fmt.Errorf("instance %s: if <ns/> is used in any xdb section it must be used in all", i.ID)
	}
	if i.Kind == KindLog && len(r.logTypes) > 0 && i.Config != nil && i.Config.Child("logtype") == nil {
		r.mu.Unlock()
		return fmt.Errorf("instance %s: if <logtype/> is used in any log section it must be used in all", i.ID)
	}
	t := r.table(i.Kind)
	t[host] = ilistAdd(t[host], i)
	r.mu.Unlock()

	i.notify(host, true)
	r.notifyGlobal(i, host, true)
	return nil
}

// UnregisterInstance removes a routing, unless the host was statically
// declared in the instance configuration.
func (r *Router) UnregisterInstance(i *Instance, host string) {
	log.ZoneDebug("router", "unregistering "+host+" with instance "+i.ID)

	if i.isStatic(host) {
		r.LogNotice(i.ID, fmt.Sprintf("not unregistering %s as this is a fixed routing", host))
		return
	}

	r.mu.Lock()
	t := r.table(i.Kind)
	l := ilistRem(t[host], i)
	if len(l) == 0 {
		delete(t, host)
	} else {
		t[host] = l
	}
	r.mu.Unlock()

	i.notify(host, false)
	r.notifyGlobal(i, host, false)
}

// RegisterNS adds i to the namespace filter table used for xdb routing.
func (r *Router) RegisterNS(i *Instance, ns string) error {
	if i.Kind != KindXDB {
		return fmt.Errorf("instance %s: <ns/> is only valid in xdb sections", i.ID)
	}
	if ns == "" {
		ns = "*"
	}
	log.ZoneDebug("router", "registering namespace "+ns+" with instance "+i.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns[ns] = ilistAdd(r.ns[ns], i)
	return nil
}

// RegisterLogType adds i to the log-type filter table used for log routing.
func (r *Router) RegisterLogType(i *Instance, lt string) error {
	if i.Kind != KindLog {
		return fmt.Errorf("instance %s: <logtype/> is only valid in log sections", i.ID)
	}
	if lt == "" {
		lt = "*"
	}
	log.ZoneDebug("router", "registering logtype "+lt+" with instance "+i.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logTypes[lt] = ilistAdd(r.logTypes[lt], i)
	return nil
}

func (r *Router) notifyGlobal(i *Instance, host string, registered bool) {
	r.mu.Lock()
	notifiers := make([]RoutingNotifier, len(r.globalNotifiers))
	copy(notifiers, r.globalNotifiers)
	r.mu.Unlock()
	for _, fn := range notifiers {
		fn(i, host, registered)
	}
}

func ilistAdd(l []*Instance, i *Instance) []*Instance {
	for _, cur := range l {
		if cur == i {
			return l
		}
	}
	return append(l, i)
}

func ilistRem(l []*Instance, i *Instance) []*Instance {
	for idx, cur := range l {
		if cur == i {
			return append(l[:idx], l[idx+1:]...)
		}
	}
	return l
}

// hashmatch finds the bag for the key, falling back to the default "*"
// entry.
func hashmatch(t map[string][]*Instance, key string) []*Instance {
	if l, ok := t[key]; ok {
		return l
	}
	return t["*"]
}

// intersect resolves the single target instance from the primary and
// secondary bags. With only one bag present it must contain exactly one
// instance; with both, the intersection must. Anything else falls back to
// the uplink (which may be nil).
func (r *Router) intersect(a, b []*Instance) *Instance {
	var single []*Instance
	if len(a) == 0 {
		single = b
	}
	if len(b) == 0 {
		single = a
	}

	if len(a) == 0 || len(b) == 0 {
		if len(single) == 1 {
			return single[0]
		}
		return r.uplink
	}

	var found *Instance
	for _, x := range a {
		for _, y := range b {
			if x == y {
				if found != nil {
					return r.uplink
				}
				found = x
			}
		}
	}
	if found == nil {
		return r.uplink
	}
	return found
}

// Start transitions the router out of startup-queue mode: every instance
// learns about the routings registered so far, then the queue is drained in
// arrival order.
func (r *Router) Start() {
	r.mu.Lock()
	if r.state != StateStartup {
		r.mu.Unlock()
		return
	}
	r.state = StateRunning
	q := r.queue
	r.queue = nil

	type pair struct {
		i    *Instance
		host string
	}
	var notifies []pair
	for _, t := range []map[string][]*Instance{r.logt, r.xdb, r.norm} {
		for host, l := range t {
			for _, i := range l {
				notifies = append(notifies, pair{i, host})
			}
		}
	}
	r.mu.Unlock()

	for _, n := range notifies {
		n.i.notify(n.host, true)
	}

	log.WithComponent("router").Info().Int("queued", len(q)).Msg("router running, draining startup queue")
	metrics.StartupQueueDepth.Set(0)
	for _, d := range q {
		r.Deliver(d.p, d.sender)
	}
}

// Shutdown pauses the router; every further packet is dropped.
func (r *Router) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateShutdown
}

// StateNow returns the router state.
func (r *Router) StateNow() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Deliver routes the packet to its destination instance, queueing it while
// the router is still starting up. sender is the instance the packet came
// from, used only by the internal xdb dispatcher.
func (r *Router) Deliver(p *Packet, sender *Instance) {
	if p == nil {
		return
	}

	// log-dump matching packets
	r.mu.Lock()
	dumps := r.dumpPaths
	r.mu.Unlock()
	if p.Kind != KindLog {
		for _, path := range dumps {
			if dumpMatch(p.X, path) {
				r.LogNotice("", fmt.Sprintf("on router %s: %s", path, p.X.String()))
				break
			}
		}
	}

	// the reserved internal domain carries configuration requests and
	// dynamic (un)registration
	if p.Kind == KindXDB && strings.HasPrefix(p.Host, "-") {
		r.deliverInternal(p, sender)
		return
	}

	r.mu.Lock()
	switch r.state {
	case StateStartup:
		r.queue = append(r.queue, queued{p, sender})
		metrics.StartupQueueDepth.Set(float64(len(r.queue)))
		r.mu.Unlock()
		return
	case StateShutdown:
		r.mu.Unlock()
		return
	}
	nullSources := r.nullSources
	r.mu.Unlock()

	if p.From != nil && nullSources[p.From.Bare()] {
		r.LogNotice(p.Host, fmt.Sprintf("dropping packet because of configured source address from='%s' to='%s'", p.From.Full(), formatJID(p.To)))
		metrics.PacketsDroppedTotal.WithLabelValues("null-source").Inc()
		return
	}

	log.ZoneDebug("router", "DELIVER "+p.Kind.String()+":"+p.Host+" "+p.X.String())

	r.mu.Lock()
	a := hashmatch(r.table(p.Kind), p.Host)
	var b []*Instance
	switch p.Kind {
	case KindXDB:
		b = hashmatch(r.ns, p.X.Attr("ns"))
	case KindLog:
		b = hashmatch(r.logTypes, p.X.Attr("type"))
	}
	target := r.intersect(a, b)
	r.mu.Unlock()

	metrics.PacketsRoutedTotal.WithLabelValues(p.Kind.String()).Inc()
	r.deliverInstance(target, p)
}

// deliverInternal handles xdb packets addressed to the reserved "-internal"
// domain on behalf of the sending instance.
func (r *Router) deliverInternal(p *Packet, sender *Instance) {
	log.ZoneDebug("router", "internal processing "+p.X.String())

	if sender == nil || p.ID == nil {
		return
	}

	switch p.ID.Node {
	case "config":
		// answer from the sending instance's own configuration subtree
		if sender.Config != nil {
			for _, c := range sender.Config.Children {
				if c.Attr("xmlns") != p.ID.Resource {
					continue
				}
				p.X.AddChild(c.Clone())
			}
		}
		p.X.SetAttr("type", "result")
		p.X.SwapToFrom()
		p.Kind = KindNorm
		r.deliverInstance(sender, p)
	case "host":
		// dynamic registration, unless the host is already routed
		r.mu.Lock()
		_, routed := r.table(sender.Kind)[p.ID.Resource]
		r.mu.Unlock()
		if !routed {
			if err := r.RegisterInstance(sender, p.ID.Resource); err != nil {
				log.Errorf("dynamic host registration failed", err)
			}
		}
	case "unhost":
		r.UnregisterInstance(sender, p.ID.Resource)
	}
}

// RoutedHosts returns the set of hosts of the given kind with an explicit
// routing to an instance other than exclude (pass nil to not exclude any).
func (r *Router) RoutedHosts(k Kind, exclude *Instance) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hosts []string
	for host, l := range r.table(k) {
		for _, i := range l {
			if i != exclude {
				hosts = append(hosts, host)
				break
			}
		}
	}
	return hosts
}

// IsDeliveredTo reports whether normal packets for host are mapped to
// exactly the given instance.
func (r *Router) IsDeliveredTo(host string, i *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := hashmatch(r.norm, host)
	return len(l) == 1 && l[0] == i
}

// dumpMatch checks a slash separated element-name path against a packet
// element. A leading segment equal to the packet's own name matches the
// root; otherwise the whole path is searched below it.
func dumpMatch(x *xmlx.Element, path string) bool {
	if path == "" {
		return false
	}
	first, rest, _ := strings.Cut(path, "/")
	if first == x.Name {
		return rest == "" || x.Find(rest) != nil
	}
	return x.Find(path) != nil
}

func formatJID(j *jid.JID) string {
	if j == nil {
		return ""
	}
	return j.Full()
}
