package router

import (
	"fmt"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/xmlx"
)

const stanzaErrorNS = "urn:ietf:params:xml:ns:xmpp-stanzas"

// StanzaError rewrites x into an XMPP stanza error: a generic external
// delivery condition, keeping the bounce reason as human readable text.
// The to and from attributes are swapped so the stanza returns to its
// sender.
func StanzaError(x *xmlx.Element, reason string) {
	x.SwapToFrom()
	x.SetAttr("type", "error")
	e := x.AddChild(xmlx.New("error"))
	e.SetAttr("code", "502")
	e.SetAttr("type", "wait")
	e.AddChild(xmlx.New("service-unavailable")).SetAttr("xmlns", stanzaErrorNS)
	if reason != "" {
		t := e.AddChild(xmlx.New("text"))
		t.SetAttr("xmlns", stanzaErrorNS)
		t.AddText(reason)
	}
}

// DeliverFail bounces an undeliverable packet according to its kind: log
// packets go to the fatal-error stream, xdb and route packets bounce back
// to their sender once, normal packets are rewritten into stanza errors.
// Already-bounced packets are dropped.
func (r *Router) DeliverFail(p *Packet, reason string) {
	log.ZoneDebug("router", "delivery failed ("+reason+")")

	if p == nil {
		return
	}
	metrics.PacketsBouncedTotal.WithLabelValues(p.Kind.String()).Inc()

	switch p.Kind {
	case KindLog:
		fmt.Fprintf(r.ErrStream, "WARNING!  Logging Failed: %s\n", p.X.String())

	case KindXDB, KindRoute:
		if p.Kind == KindXDB {
			r.LogWarn(p.Host, fmt.Sprintf("dropping a %s xdb request to %s for %s",
				p.X.Attr("type"), p.X.Attr("to"), p.X.Attr("ns")))
		}
		if p.X.Attr("type") == "error" {
			// already bounced once, drop
			r.LogWarn(p.Host, fmt.Sprintf("dropping a routed packet to %s from %s: %s",
				p.X.Attr("to"), p.X.Attr("from"), reason))
			metrics.PacketsDroppedTotal.WithLabelValues("double-bounce").Inc()
			return
		}
		r.LogNotice(p.Host, fmt.Sprintf("bouncing a routed packet to %s from %s: %s",
			p.X.Attr("to"), p.X.Attr("from"), reason))
		p.X.SwapToFrom()
		p.X.SetAttr("type", "error")
		p.X.SetAttr("error", reason)
		r.Deliver(NewPacket(p.X), nil)

	case KindNorm:
		if p.X.Attr("type") == "error" {
			// can't bounce an error
			r.LogWarn(p.Host, fmt.Sprintf("dropping a packet to %s from %s: %s",
				p.X.Attr("to"), p.X.Attr("from"), reason))
			metrics.PacketsDroppedTotal.WithLabelValues("double-bounce").Inc()
			return
		}
		r.LogNotice(p.Host, fmt.Sprintf("bouncing a packet to %s from %s: %s",
			p.X.Attr("to"), p.X.Attr("from"), reason))
		StanzaError(p.X, reason)
		r.Deliver(NewPacket(p.X), nil)
	}
}
