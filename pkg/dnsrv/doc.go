/*
Package dnsrv implements the DNS resolver component.

Packets that no other instance claims end up here (the component is
normally configured as the uplink's next hop for outbound federation).
Each packet's destination domain is resolved through the configured
service list - SRV records first, plain AAAA/A as the service-less
fallback - and the packet is re-delivered inside a <route/> envelope
stamped with the resolved addresses and the chosen resend target.

The lookups themselves run on a dedicated worker, the role the forked
coprocess played in the original architecture; requests and replies still
use <host/> elements as the message format. Blocking is bounded by the
resolver client's timeout, a panicking worker is respawned, and the
pending table coalesces lookups so one hostname has at most one request
in flight regardless of how many packets wait for it.

Results are cached: positive entries for the configured cache timeout,
negative entries for a tenth of it. Packets that wait longer than the
queue timeout bounce as a resolution timeout.
*/
package dnsrv
