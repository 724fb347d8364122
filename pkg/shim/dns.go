package shim

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// AddrRecord is one resolved address.
type AddrRecord struct {
	Address string `json:"address"`
	IsIPv6  bool   `json:"is_ipv6"`
}

// Resolver implements the DNS shim's three-tier chain: explicit service
// registry, then parsed /etc/hosts content, then the system resolver.
// The first tier that matches wins. Hostname comparison is
// case-insensitive.
type Resolver struct {
	registry map[string][]net.IP
	hosts    map[string][]net.IP
	upstream string
}

// NewResolver builds a resolver. hostsContent is the rendered virtual
// /etc/hosts; upstream is the nameserver used for the system fallback
// (empty means the Go default resolver).
func NewResolver(registry map[string][]net.IP, hostsContent, upstream string) *Resolver {
	lowered := make(map[string][]net.IP, len(registry))
	for name, ips := range registry {
		lowered[strings.ToLower(name)] = ips
	}
	return &Resolver{
		registry: lowered,
		hosts:    parseHosts(hostsContent),
		upstream: upstream,
	}
}

// parseHosts extracts hostname→IP mappings from /etc/hosts content.
func parseHosts(content string) map[string][]net.IP {
	out := make(map[string][]net.IP)
	for _, line := range strings.Split(content, "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		for _, name := range fields[1:] {
			key := strings.ToLower(name)
			out[key] = append(out[key], ip)
		}
	}
	return out
}

// ResolveAddress resolves hostname through the chain. An unresolvable
// name returns a HostNotFound error.
func (r *Resolver) ResolveAddress(hostname string) ([]AddrRecord, error) {
	name := strings.ToLower(strings.TrimSuffix(hostname, "."))

	if ips, ok := r.registry[name]; ok && len(ips) > 0 {
		return toRecords(ips), nil
	}
	if ips, ok := r.hosts[name]; ok && len(ips) > 0 {
		return toRecords(ips), nil
	}

	ips := r.systemResolve(name)
	if len(ips) == 0 {
		return nil, errdefs.NotFoundf("HostNotFound: %s", hostname)
	}
	return toRecords(ips), nil
}

// systemResolve queries the configured upstream directly, falling back to
// the Go resolver when no upstream is set or the query fails.
func (r *Resolver) systemResolve(name string) []net.IP {
	if r.upstream != "" {
		if ips := r.queryUpstream(name); len(ips) > 0 {
			return ips
		}
	}
	addrs, err := net.LookupIP(name)
	if err != nil {
		return nil
	}
	return addrs
}

// queryUpstream sends A and AAAA queries to the upstream nameserver.
func (r *Resolver) queryUpstream(name string) []net.IP {
	server := r.upstream
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	client := &dns.Client{Timeout: 2 * time.Second}
	var ips []net.IP

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(name), qtype)
		resp, _, err := client.Exchange(msg, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
	}
	return ips
}

func toRecords(ips []net.IP) []AddrRecord {
	records := make([]AddrRecord, 0, len(ips))
	for _, ip := range ips {
		records = append(records, AddrRecord{
			Address: ip.String(),
			IsIPv6:  ip.To4() == nil,
		})
	}
	return records
}
