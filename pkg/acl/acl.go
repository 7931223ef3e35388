package acl

import (
	"github.com/volery/volery/pkg/jid"
	"github.com/volery/volery/pkg/xmlx"
)

// List answers access questions from the parsed configuration. Grants live
// under <global><acl><grant feature="...">, where a grant without a feature
// attribute applies to every feature. A grant lists <domain/> entries
// (whole domains) and <jid/> entries (bare addresses). There is no caching;
// every check walks the configuration.
type List struct {
	config *xmlx.Element
}

// New creates an access list over the configuration root element.
func New(config *xmlx.Element) *List {
	return &List{config: config}
}

func (l *List) grants(feature string) []*xmlx.Element {
	if l.config == nil {
		return nil
	}
	var out []*xmlx.Element
	for _, g := range l.config.FindAll("global/acl/grant") {
		f := g.Attr("feature")
		if f == "" || f == feature {
			out = append(out, g)
		}
	}
	return out
}

// CheckAccess reports whether the user is granted the feature, either by
// domain or by bare JID.
func (l *List) CheckAccess(feature string, user *jid.JID) bool {
	if user == nil {
		return false
	}
	for _, g := range l.grants(feature) {
		for _, d := range g.FindAll("domain") {
			if d.Text == user.Domain {
				return true
			}
		}
	}
	for _, allowed := range l.Users(feature) {
		if allowed.EqualBare(user) {
			return true
		}
	}
	return false
}

// Users returns every JID explicitly granted the feature.
func (l *List) Users(feature string) []*jid.JID {
	var out []*jid.JID
	for _, g := range l.grants(feature) {
		for _, e := range g.FindAll("jid") {
			if e.Text == "" {
				continue
			}
			if j, err := jid.Parse(e.Text); err == nil {
				out = append(out, j)
			}
		}
	}
	return out
}
