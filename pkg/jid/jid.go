package jid

import (
	"fmt"
	"strings"
)

// JID is a Jabber identifier of the form node@domain/resource. Node and
// resource are optional.
type JID struct {
	Node     string
	Domain   string
	Resource string
}

// Parse splits a JID string into its parts. The domain is mandatory; an
// empty or unparsable input returns an error.
func Parse(s string) (*JID, error) {
	if s == "" {
		return nil, fmt.Errorf("empty jid")
	}
	j := &JID{}
	if i := strings.Index(s, "/"); i >= 0 {
		j.Resource = s[i+1:]
		s = s[:i]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		j.Node = s[:i]
		s = s[i+1:]
	}
	if s == "" || strings.ContainsAny(s, "@/ \t\r\n") {
		return nil, fmt.Errorf("invalid jid domain %q", s)
	}
	j.Domain = strings.ToLower(s)
	return j, nil
}

// MustParse is Parse for statically known inputs; it panics on error.
func MustParse(s string) *JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Full returns the node@domain/resource form.
func (j *JID) Full() string {
	var b strings.Builder
	if j.Node != "" {
		b.WriteString(j.Node)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Bare returns the node@domain form without the resource.
func (j *JID) Bare() string {
	if j.Node == "" {
		return j.Domain
	}
	return j.Node + "@" + j.Domain
}

// String implements fmt.Stringer.
func (j *JID) String() string { return j.Full() }

// WithResource returns a copy of j with the resource replaced.
func (j *JID) WithResource(res string) *JID {
	return &JID{Node: j.Node, Domain: j.Domain, Resource: res}
}

// WithDomain returns a copy of j with the domain replaced. Used by the
// client manager when an alias is in effect.
func (j *JID) WithDomain(domain string) *JID {
	return &JID{Node: j.Node, Domain: strings.ToLower(domain), Resource: j.Resource}
}

// EqualBare reports whether two JIDs have the same node and domain.
func (j *JID) EqualBare(o *JID) bool {
	return o != nil && j.Node == o.Node && j.Domain == o.Domain
}
