package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const maxCNAMEHops = 5

// Resolver looks host names up through explicit DNS servers with miekg/dns,
// caching answers for cacheTTL. With no servers configured it defers to the
// system resolver.
type Resolver struct {
	servers  []string // host:port
	timeout  time.Duration
	cacheTTL time.Duration
	client   *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewResolver normalizes servers to host:port (port 53 when omitted).
func NewResolver(servers []string, perServerTimeout, cacheTTL time.Duration) *Resolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		norm = append(norm, s)
	}
	if perServerTimeout <= 0 {
		perServerTimeout = 2 * time.Second
	}
	return &Resolver{
		servers:  norm,
		timeout:  perServerTimeout,
		cacheTTL: cacheTTL,
		client:   &dns.Client{Net: "udp", Timeout: perServerTimeout},
		cache:    map[string]cacheEntry{},
	}
}

func (r *Resolver) Servers() []string { return append([]string(nil), r.servers...) }

// Resolve returns the deduplicated, sorted addresses of host.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return nil, errors.New("resolve: empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.RLock()
	if ce, ok := r.cache[host]; ok && time.Now().Before(ce.expires) {
		ips := append([]net.IP(nil), ce.ips...)
		r.mu.RUnlock()
		return ips, nil
	}
	r.mu.RUnlock()

	var ips []net.IP
	if len(r.servers) == 0 {
		var err error
		ips, err = net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
	} else {
		ips = r.lookup(ctx, host)
		if len(ips) == 0 {
			return nil, fmt.Errorf("resolve %s: no answer from %s", host, strings.Join(r.servers, ", "))
		}
	}

	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[host] = cacheEntry{ips: ips, expires: time.Now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return append([]net.IP(nil), ips...), nil
}

// lookup resolves A and AAAA for name, following CNAME chains.
func (r *Resolver) lookup(ctx context.Context, name string) []net.IP {
	seen := map[string]struct{}{}
	var out []net.IP
	target := name
	for hop := 0; hop < maxCNAMEHops; hop++ {
		next := ""
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			for _, rr := range r.query(ctx, target, qtype) {
				var ip net.IP
				switch v := rr.(type) {
				case *dns.A:
					ip = v.A
				case *dns.AAAA:
					ip = v.AAAA
				case *dns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
				if ip == nil {
					continue
				}
				if _, ok := seen[ip.String()]; !ok {
					seen[ip.String()] = struct{}{}
					out = append(out, ip)
				}
			}
		}
		if len(out) > 0 || next == "" || next == target {
			break
		}
		target = next
	}
	return out
}

// query asks each server in turn and returns the first successful answer.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) []dns.RR {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	for _, srv := range r.servers {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		in, _, err := r.client.ExchangeContext(qctx, m, srv)
		cancel()
		if err == nil && in != nil && in.Rcode == dns.RcodeSuccess {
			return append(in.Answer, in.Extra...)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
