// Package resolve looks up telemetry host addresses through configured DNS
// servers, falling back to the system resolver.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"sst/telemetry/pkg/logging"
)

const maxCNAMEHops = 5

var ErrNoAddress = errors.New("no addresses")

// MultiResolver queries upstream servers in order, follows CNAMEs, and caches answers.
type MultiResolver struct {
	servers  []string // host:port
	timeout  time.Duration
	cacheTTL time.Duration
	client   *dns.Client

	// system is the fallback when no upstream answers; replaced in tests
	system func(ctx context.Context, host string) ([]net.IP, error)

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewMultiResolver normalizes servers (port 53 is added when missing). An
// empty list means only the system resolver is used.
func NewMultiResolver(servers []string, perTimeout, cacheTTL time.Duration) *MultiResolver {
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
	if perTimeout <= 0 {
		perTimeout = 2 * time.Second
	}
	return &MultiResolver{
		servers:  norm,
		timeout:  perTimeout,
		cacheTTL: cacheTTL,
		client:   &dns.Client{Timeout: perTimeout},
		system: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		cache: map[string]cacheEntry{},
	}
}

func (r *MultiResolver) Servers() []string { return append([]string(nil), r.servers...) }

// Resolve returns the deduplicated addresses of host, IPv4 first.
func (r *MultiResolver) Resolve(host string) ([]net.IP, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("empty host")
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
	for _, srv := range r.servers {
		ips = r.queryServer(host, srv)
		if len(ips) > 0 {
			break
		}
	}
	if len(ips) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		sys, err := r.system(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrNoAddress, host, err)
		}
		ips = sys
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAddress, host)
	}

	sort.SliceStable(ips, func(i, j int) bool {
		iv4, jv4 := ips[i].To4() != nil, ips[j].To4() != nil
		if iv4 != jv4 {
			return iv4
		}
		return ips[i].String() < ips[j].String()
	})

	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[host] = cacheEntry{ips: append([]net.IP(nil), ips...), expires: time.Now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return ips, nil
}

// queryServer resolves A and AAAA via one server, following up to
// maxCNAMEHops CNAMEs.
func (r *MultiResolver) queryServer(name, server string) []net.IP {
	seen := map[string]struct{}{}
	var acc []net.IP
	target := name
	for hop := 0; hop < maxCNAMEHops; hop++ {
		next := ""
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			rrs, err := r.query(target, qtype, server)
			if err != nil {
				if logging.Debug() {
					log.Printf("[DNS] query %s type %d via %s: %v", target, qtype, server, err)
				}
				continue
			}
			for _, rr := range rrs {
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
					acc = append(acc, ip)
				}
			}
		}
		if len(acc) > 0 || next == "" || next == target {
			break
		}
		target = next
	}
	return acc
}

func (r *MultiResolver) query(fqdn string, qtype uint16, server string) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), qtype)
	in, _, err := r.client.Exchange(m, server)
	if err != nil {
		return nil, err
	}
	if in == nil || in.Rcode != dns.RcodeSuccess {
		rc := -1
		if in != nil {
			rc = in.Rcode
		}
		return nil, fmt.Errorf("rcode %d", rc)
	}
	return append(in.Answer, in.Extra...), nil
}
