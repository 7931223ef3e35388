/*
Package csock implements the client connection manager.

The component accepts client TCP connections, multiplexes their stanzas
onto the router inside <route/> envelopes, and writes routed replies back
to the sockets. Session managers never see the connections themselves,
only routed traffic addressed to "<fd>@<manager-host>/<cookie>".

A connection starts in the UNKNOWN state: only authentication and
in-band registration queries pass through, everything else queues on a
per-connection buffer. A successful auth reply triggers a
<route type="session"/> request; the session manager's confirmation
flips the connection to AUTHD, adopts the manager's chosen session
address, and drains the queued stanzas. From then on every inbound
stanza is wrapped and routed, and routed packets are unwrapped and
written to the socket. A socket close while AUTHD propagates as a
<route type="error"/> so the session manager learns the client is gone.
*/
package csock
