/*
Package router implements the XML stanza routing at the heart of volery.

The daemon is mainly a router for XML stanzas between the components
(instances) configured into the process. There are three parallel routings:
one for <log/> stanzas, one for <xdb/> stanzas, and one for everything else
(<route/>, <message/>, <presence/>, <iq/>).

# Architecture

	┌──────────────────── XML ROUTING ─────────────────────────┐
	│                                                           │
	│  Deliver(packet)                                          │
	│      │                                                    │
	│      ├── startup queue (held until Start)                 │
	│      ├── null-source filter                               │
	│      │                                                    │
	│      ├── primary table (by kind):   host → instances      │
	│      ├── secondary table (xdb):     ns → instances        │
	│      ├── secondary table (log):     logtype → instances   │
	│      │                                                    │
	│      └── intersect ──► exactly one instance               │
	│              │              │                             │
	│              │              └── none/many: uplink         │
	│              ▼                                            │
	│      deliverInstance: handler chain                       │
	│          PRECOND → COND → PREDELIVER → DELIVER            │
	│                                                           │
	│      DeliverFail: kind-specific bounce                    │
	└───────────────────────────────────────────────────────────┘

Routing is done on the domain part of a JID: the to address for most
packets, the from address for log packets. A host entry of "*" is the
default routing of its table; the uplink is the single fallback across all
three routings.

# Intersection rule

When only one of the two bags (host, namespace/logtype) matches, it must
contain exactly one instance. When both match, their intersection must.
Anything else, an empty or an ambiguous result, falls back to the uplink;
without an uplink the packet bounces. No winner is picked among several
candidates.

# Ownership

A packet handed to Deliver is consumed: it ends in exactly one of handler
consumption (DONE), a kind-specific bounce, or a drop. Clones made for
multiple delivery handlers are independent deep copies.
*/
package router
