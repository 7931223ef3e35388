package router

import (
	"sync"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/xmlx"
)

// Result is what a handler reports back to the dispatch loop. The values
// are ordered; dispatch decisions compare against them.
type Result int

const (
	// ResultUnreg removes the handler from the chain.
	ResultUnreg Result = iota
	// ResultNone means the handler did nothing with the packet.
	ResultNone
	// ResultPass means the handler looked but did not consume.
	ResultPass
	// ResultLast stops the chain from a conditional handler without
	// consuming the packet.
	ResultLast
	// ResultErr aborts the chain and bounces the packet.
	ResultErr
	// ResultDone means the packet has been consumed.
	ResultDone
)

// Order is the priority class of a handler within an instance chain.
type Order int

const (
	OrderPrecond Order = iota
	OrderCond
	OrderPredeliver
	OrderDeliver
)

// Handler processes one packet delivered to an instance.
type Handler func(i *Instance, p *Packet) Result

// RoutingNotifier is called when a host routing for an instance is added
// (registered=true) or removed.
type RoutingNotifier func(i *Instance, host string, registered bool)

type handler struct {
	order Order
	fn    Handler
}

// Instance is one configured component: a routable id (domain), a packet
// kind, its configuration subtree and an ordered handler chain.
type Instance struct {
	ID     string
	Kind   Kind
	Config *xmlx.Element

	mu          sync.Mutex
	handlers    []*handler
	staticHosts map[string]bool
	notifiers   []RoutingNotifier
}

// NewInstance creates an instance with an empty handler chain.
func NewInstance(id string, kind Kind, config *xmlx.Element) *Instance {
	return &Instance{
		ID:          id,
		Kind:        kind,
		Config:      config,
		staticHosts: make(map[string]bool),
	}
}

// RegisterHandler inserts a handler into the chain, keeping the chain
// sorted by priority class: PRECOND handlers go to the front, COND after
// the conditionals, PREDELIVER before the first DELIVER, DELIVER at the
// end.
func (i *Instance) RegisterHandler(o Order, fn Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()

	h := &handler{order: o, fn: fn}
	switch o {
	case OrderPrecond:
		i.handlers = append([]*handler{h}, i.handlers...)
	case OrderDeliver:
		i.handlers = append(i.handlers, h)
	default:
		// insert before the first handler of a later class
		limit := OrderPredeliver
		if o == OrderPredeliver {
			limit = OrderDeliver
		}
		pos := len(i.handlers)
		for idx, cur := range i.handlers {
			if cur.order >= limit {
				pos = idx
				break
			}
		}
		i.handlers = append(i.handlers, nil)
		copy(i.handlers[pos+1:], i.handlers[pos:])
		i.handlers[pos] = h
	}
}

// HandlerCount returns the current chain length.
func (i *Instance) HandlerCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.handlers)
}

// OnRoutingUpdate registers a notifier fired when a routing for this
// instance changes.
func (i *Instance) OnRoutingUpdate(fn RoutingNotifier) {
	if fn == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.notifiers = append(i.notifiers, fn)
}

func (i *Instance) notify(host string, registered bool) {
	i.mu.Lock()
	notifiers := make([]RoutingNotifier, len(i.notifiers))
	copy(notifiers, i.notifiers)
	i.mu.Unlock()
	for _, fn := range notifiers {
		fn(i, host, registered)
	}
}

// MarkStaticHost records a statically configured routing; static hosts
// refuse dynamic unregistration.
func (i *Instance) MarkStaticHost(host string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.staticHosts[host] = true
}

func (i *Instance) isStatic(host string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.staticHosts[host]
}

func (i *Instance) chain() []*handler {
	i.mu.Lock()
	defer i.mu.Unlock()
	hs := make([]*handler, len(i.handlers))
	copy(hs, i.handlers)
	return hs
}

func (i *Instance) unregisterHandler(h *handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, cur := range i.handlers {
		if cur == h {
			i.handlers = append(i.handlers[:idx], i.handlers[idx+1:]...)
			return
		}
	}
}

// deliverInstance walks the target's handler chain with the packet.
func (r *Router) deliverInstance(i *Instance, p *Packet) {
	if i == nil {
		if p != nil {
			log.Logger.Warn().
				Str("host", p.Host).
				Str("kind", p.Kind.String()).
				Str("stanza", p.X.String()).
				Msg("cannot deliver packet, no routing matched")
		}
		r.DeliverFail(p, "Unable to deliver, destination unknown")
		return
	}

	log.ZoneDebug("router", "delivering to instance "+i.ID)

	chain := i.chain()
	if len(chain) == 0 {
		// a component that never registered a handler cannot consume
		// anything addressed to it
		r.DeliverFail(p, "Destination has no handler for this stanza.")
		return
	}

	for idx := 0; idx < len(chain); idx++ {
		h := chain[idx]
		last := idx == len(chain)-1

		// multiple delivery handlers each see their own copy; keep the
		// original alive for the rest of the chain
		var pig *Packet
		if h.order == OrderDeliver && !last {
			pig = p.Clone()
		}

		res := h.fn(i, p)
		if res == ResultErr {
			r.DeliverFail(p, "Internal Delivery Error")
			return
		}

		if h.order != OrderDeliver && res == ResultDone {
			return
		}
		if res == ResultDone && last {
			return
		}
		if h.order == OrderCond && res == ResultLast {
			return
		}

		if pig != nil {
			if res == ResultDone {
				p = pig
			}
		}

		if res == ResultUnreg {
			i.unregisterHandler(h)
		}
	}
	// chain ran off the end without a consumer, the packet is dropped
}
