package dnsrv

import (
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/xmlx"
)

// resolver performs the actual lookups on behalf of the component, the
// role the forked coprocess used to play. It walks the configured service
// list in order: SRV first, a service-less entry means plain AAAA/A
// resolution of the domain itself.
type resolver struct {
	upstreams []string
	services  []resendService
	client    *dns.Client
	rnd       *rand.Rand
}

func newResolver(upstreams []string, services []resendService, rnd *rand.Rand) *resolver {
	if len(upstreams) == 0 {
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cfg.Servers {
				upstreams = append(upstreams, net.JoinHostPort(s, cfg.Port))
			}
		}
	}
	if len(upstreams) == 0 {
		upstreams = []string{"127.0.0.1:53"}
	}
	return &resolver{
		upstreams: upstreams,
		services:  services,
		client:    &dns.Client{Timeout: 5 * time.Second},
		rnd:       rnd,
	}
}

// resolve answers one request: <host ip to>name</host> on success,
// <host>name</host> when every service failed.
func (rv *resolver) resolve(hostname string) *xmlx.Element {
	x := xmlx.New("host")
	x.AddText(hostname)

	lookupName := hostname
	if ascii, err := idna.ToASCII(hostname); err == nil && ascii != "" {
		lookupName = ascii
	}

	for i := range rv.services {
		svc := &rv.services[i]
		ips := rv.serviceLookup(svc.service, lookupName)
		if ips == "" {
			continue
		}
		x.SetAttr("ip", ips)
		x.SetAttr("to", svc.pick(rv.rnd))
		break
	}
	return x
}

// serviceLookup resolves domain for one service entry. An empty service
// resolves the domain's own addresses without ports.
func (rv *resolver) serviceLookup(service, domain string) string {
	if service == "" {
		return strings.Join(rv.addressLookup(domain), ",")
	}

	name := dns.Fqdn(service + "." + domain)
	resp := rv.exchange(name, dns.TypeSRV)
	if resp == nil {
		return ""
	}

	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return ""
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	// addresses from the additional section save the secondary lookup
	additional := make(map[string][]string)
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			name := strings.TrimSuffix(a.Hdr.Name, ".")
			additional[name] = append(additional[name], a.A.String())
		case *dns.AAAA:
			name := strings.TrimSuffix(a.Hdr.Name, ".")
			additional[name] = append(additional[name], a.AAAA.String())
		}
	}

	var out []string
	for _, srv := range records {
		target := strings.TrimSuffix(srv.Target, ".")
		ips := additional[target]
		if len(ips) == 0 {
			ips = rv.addressLookup(target)
		}
		port := strconv.Itoa(int(srv.Port))
		for _, ip := range ips {
			if strings.Contains(ip, ":") {
				out = append(out, "["+ip+"]:"+port)
			} else {
				out = append(out, ip+":"+port)
			}
		}
	}
	return strings.Join(out, ",")
}

// addressLookup resolves the AAAA and A records of a name.
func (rv *resolver) addressLookup(name string) []string {
	var out []string
	for _, qtype := range []uint16{dns.TypeAAAA, dns.TypeA} {
		resp := rv.exchange(dns.Fqdn(name), qtype)
		if resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				out = append(out, a.A.String())
			case *dns.AAAA:
				out = append(out, a.AAAA.String())
			}
		}
	}
	return out
}

// exchange sends one query, trying each upstream in turn.
func (rv *resolver) exchange(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	for _, server := range rv.upstreams {
		resp, _, err := rv.client.Exchange(m, server)
		if err != nil {
			log.ZoneDebug("dnsrv", "lookup of "+name+" via "+server+" failed: "+err.Error())
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		return resp
	}
	return nil
}
