/*
Package xdb turns the asynchronous <xdb/> request/response traffic on the
router into synchronous Get, Set and Act calls.

Each sending instance owns one Cache. Requests are tagged with a
monotonically increasing id, kept in an in-flight table, and sent through
the router; a PRECOND handler on the instance intercepts the replies before
any other handler sees them, matches them by id, and wakes the waiting
caller through a oneshot channel. Replies for unknown ids are absorbed
silently, which suppresses duplicates.

A sweep runs every ten seconds: requests older than Resend are sent again,
requests older than Expire wake their caller with no data. Each in-flight
entry is signalled exactly once, by whichever of the response handler and
the sweep unlinks it first.
*/
package xdb
