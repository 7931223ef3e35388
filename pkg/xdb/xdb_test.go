package xdb

import (
	"bytes"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/router"
	"github.com/volery/volery/pkg/xmlx"
)

// backend fakes an xdb storage instance: it answers or swallows requests.
type backend struct {
	inst *router.Instance
	r    *router.Router

	mu       sync.Mutex
	requests []*xmlx.Element
	// respond answers requests when set; nil swallows them
	respond func(req *xmlx.Element) *xmlx.Element
}

func newBackend(t *testing.T, r *router.Router, respond func(req *xmlx.Element) *xmlx.Element) *backend {
	t.Helper()
	b := &backend{
		inst:    router.NewInstance("storage.example.org", router.KindXDB, nil),
		r:       r,
		respond: respond,
	}
	b.inst.RegisterHandler(router.OrderDeliver, func(_ *router.Instance, p *router.Packet) router.Result {
		b.mu.Lock()
		b.requests = append(b.requests, p.X)
		respond := b.respond
		b.mu.Unlock()
		if respond != nil {
			if reply := respond(p.X); reply != nil {
				b.r.Deliver(router.NewPacket(reply), b.inst)
			}
		}
		return router.ResultDone
	})
	if err := r.RegisterInstance(b.inst, "*"); err != nil {
		t.Fatal(err)
	}
	return b
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// newHarness builds a running router with a requester instance whose
// replies route back to it.
func newHarness(t *testing.T) (*router.Router, *router.Instance) {
	t.Helper()
	r := router.New()
	r.ErrStream = &bytes.Buffer{}
	requester := router.NewInstance("sm.example.org", router.KindNorm, nil)
	if err := r.RegisterInstance(requester, "sm.example.org"); err != nil {
		t.Fatal(err)
	}
	r.Start()
	return r, requester
}

// resultFor builds the reply element a storage backend would send.
func resultFor(req *xmlx.Element, payload *xmlx.Element) *xmlx.Element {
	reply := req.Clone()
	reply.SwapToFrom()
	reply.SetAttr("type", "result")
	if payload != nil {
		reply.AddChild(payload.Clone())
	}
	return reply
}

func TestGetRoundTrip(t *testing.T) {
	r, requester := newHarness(t)
	payload, _ := xmlx.ParseString(`<query xmlns="jabber:iq:auth"><password>secret</password></query>`)
	newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		return resultFor(req, payload)
	})

	c := NewCache(r, nil, requester)
	got := c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth")

	if got == nil {
		t.Fatal("Get returned nothing")
	}
	if got.String() != payload.String() {
		t.Errorf("Get = %s, want %s", got, payload)
	}
}

func TestGetEmptyResult(t *testing.T) {
	r, requester := newHarness(t)
	newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		return resultFor(req, nil)
	})

	c := NewCache(r, nil, requester)
	if got := c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth"); got != nil {
		t.Errorf("empty reply should yield nil, got %s", got)
	}
}

func TestSetSuccessAndFailure(t *testing.T) {
	r, requester := newHarness(t)
	fail := false
	newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		reply := req.Clone()
		reply.SwapToFrom()
		if fail {
			reply.SetAttr("type", "error")
		} else {
			reply.SetAttr("type", "result")
		}
		return reply
	})

	c := NewCache(r, nil, requester)
	data, _ := xmlx.ParseString(`<query xmlns="jabber:iq:last"><last>1</last></query>`)

	if err := c.Set(jid.MustParse("a@example.org"), "jabber:iq:last", data); err != nil {
		t.Errorf("Set failed: %v", err)
	}

	fail = true
	if err := c.Set(jid.MustParse("a@example.org"), "jabber:iq:last", data); err == nil {
		t.Error("an error reply must fail the Set")
	}
}

func TestSetCarriesActionAndMatch(t *testing.T) {
	r, requester := newHarness(t)
	b := newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		reply := req.Clone()
		reply.SwapToFrom()
		reply.SetAttr("type", "result")
		return reply
	})

	c := NewCache(r, nil, requester)
	data, _ := xmlx.ParseString(`<item jid="x@h"/>`)
	if err := c.Act(jid.MustParse("a@example.org"), "jabber:iq:roster", "insert", "item", data); err != nil {
		t.Fatalf("Act failed: %v", err)
	}

	b.mu.Lock()
	req := b.requests[0]
	b.mu.Unlock()
	if req.Attr("type") != "set" || req.Attr("action") != "insert" || req.Attr("match") != "item" {
		t.Errorf("request missing set attributes: %s", req)
	}
	if req.FirstChild() == nil || req.FirstChild().Name != "item" {
		t.Error("request must carry the payload as a child")
	}
}

func TestTimeoutWakesWaiter(t *testing.T) {
	r, requester := newHarness(t)
	b := newBackend(t, r, nil) // swallow everything

	c := NewCache(r, nil, requester)
	c.Resend = 10 * time.Millisecond
	c.Expire = 30 * time.Millisecond

	done := make(chan *xmlx.Element, 1)
	go func() {
		done <- c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth")
	}()

	// wait until the request is in flight, then age it past expiry
	deadline := time.Now().Add(time.Second)
	for b.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)
	c.sweep()

	select {
	case got := <-done:
		if got != nil {
			t.Errorf("timed out Get returned %s, want nil", got)
		}
	case <-time.After(time.Second):
		t.Fatal("the waiter was never woken")
	}

	// a second sweep must not fire anything again
	c.sweep()
}

func TestSweepRetransmits(t *testing.T) {
	r, requester := newHarness(t)
	b := newBackend(t, r, nil)

	c := NewCache(r, nil, requester)
	c.Resend = 5 * time.Millisecond
	c.Expire = time.Hour

	go c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth")

	deadline := time.Now().Add(time.Second)
	for b.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.count() != 1 {
		t.Fatalf("initial send count = %d, want 1", b.count())
	}

	time.Sleep(10 * time.Millisecond)
	c.sweep()

	if b.count() != 2 {
		t.Errorf("after sweep the request should have been resent, count = %d", b.count())
	}
}

func TestDuplicateReplySuppressed(t *testing.T) {
	r, requester := newHarness(t)
	var firstReq *xmlx.Element
	newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		firstReq = req
		return resultFor(req, nil)
	})

	c := NewCache(r, nil, requester)
	_ = c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth")

	// replay the same reply; the entry is gone, so it must be absorbed
	dup := resultFor(firstReq, nil)
	r.Deliver(router.NewPacket(dup), nil)
}

func TestIDsAreMonotonic(t *testing.T) {
	r, requester := newHarness(t)
	var ids []int
	newBackend(t, r, func(req *xmlx.Element) *xmlx.Element {
		n, _ := strconv.Atoi(req.Attr("id"))
		ids = append(ids, n)
		return resultFor(req, nil)
	})

	c := NewCache(r, nil, requester)
	for range 3 {
		c.Get(jid.MustParse("a@example.org"), "jabber:iq:auth")
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not monotonic: %v", ids)
		}
	}
}
