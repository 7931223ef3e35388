package router

import (
	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/xmlx"
)

// Kind classifies a packet for routing purposes.
type Kind int

const (
	KindNone Kind = iota
	KindNorm
	KindXDB
	KindLog
	KindRoute
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNorm:
		return "norm"
	case KindXDB:
		return "xdb"
	case KindLog:
		return "log"
	case KindRoute:
		return "route"
	default:
		return "none"
	}
}

// Packet is a validated envelope around one XML element: the element, its
// parsed addressing, and the derived routing host.
type Packet struct {
	X    *xmlx.Element
	To   *jid.JID
	From *jid.JID
	// ID is the JID the packet is routed on: From for log packets, To for
	// everything else.
	ID   *jid.JID
	Host string
	Kind Kind
}

// NewPacket validates an element and wraps it for delivery. It returns nil
// when the element is missing mandatory addressing; the element is dropped
// in that case.
func NewPacket(x *xmlx.Element) *Packet {
	if x == nil {
		return nil
	}

	p := &Packet{X: x, Kind: KindNorm}
	switch {
	case len(x.Name) > 0 && x.Name[0] == 'r':
		p.Kind = KindRoute
	case len(x.Name) > 0 && x.Name[0] == 'x':
		p.Kind = KindXDB
	case len(x.Name) > 0 && x.Name[0] == 'l':
		p.Kind = KindLog
	}

	// xdb results and errors flow back to the requester as normal packets
	if p.Kind == KindXDB {
		if t := x.Attr("type"); t != "" && (t[0] == 'r' || t[0] == 'e') {
			p.Kind = KindNorm
		}
	}

	p.To, _ = jid.Parse(x.Attr("to"))
	p.From, _ = jid.Parse(x.Attr("from"))

	// log packets route on their origin, everything else on the target
	if p.Kind == KindLog {
		p.ID = p.From
	} else {
		p.ID = p.To
	}

	ok := p.ID != nil
	if ok {
		switch p.Kind {
		case KindLog:
			ok = x.HasAttr("type")
		case KindXDB:
			ok = x.HasAttr("ns") && p.To != nil && p.From != nil
		case KindNorm:
			ok = p.To != nil && p.From != nil
		case KindRoute:
			ok = p.To != nil
		default:
			ok = false
		}
	}
	if !ok {
		log.Logger.Warn().Str("stanza", x.String()).Msg("packet delivery failed, invalid packet, dropping")
		return nil
	}

	p.Host = p.ID.Domain
	return p
}

// Clone returns a deep copy of the packet, built by revalidating a copy of
// the element.
func (p *Packet) Clone() *Packet {
	return NewPacket(p.X.Clone())
}
