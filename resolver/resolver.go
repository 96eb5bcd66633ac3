// Package resolver implements RFC 3263 destination resolution: given a SIP
// URI host, it yields an ordered list of transport/IP/port candidates via
// NAPTR, falling back to SRV, falling back to A/AAAA.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// SipAddr is a resolved next-hop candidate: the transport/IP/port triple
// spec.md's data model calls SipAddr.
type SipAddr struct {
	Transport string // lowercase: "udp", "tcp", "tls", "ws", "wss"
	IP        net.IP
	Port      int
}

func (a SipAddr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func (a SipAddr) Equal(b SipAddr) bool {
	return a.Transport == b.Transport && a.Port == b.Port && a.IP.Equal(b.IP)
}

// ErrResolveFailed is returned when every resolution strategy attempted
// for a host came back empty. Attempted records the order tried, for
// diagnostics, as spec.md 4.1 requires.
type ErrResolveFailed struct {
	Host      string
	Attempted []string
	Cause     error
}

func (e *ErrResolveFailed) Error() string {
	return fmt.Sprintf("resolve %q failed after trying [%s]: %v", e.Host, strings.Join(e.Attempted, ", "), e.Cause)
}

func (e *ErrResolveFailed) Unwrap() error { return e.Cause }

// exchanger is the subset of *dns.Client used here. It exists so tests can
// swap in a fake without touching the network, the same way fakes.UDPConn
// fakes a socket for the transport package.
type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

type cacheKey struct {
	qtype uint16
	name  string
}

type cacheEntry struct {
	expires time.Time
	answer  []dns.RR
}

// Resolver performs RFC 3263 lookups against a set of nameservers, caching
// answers for their advertised TTL.
type Resolver struct {
	client  exchanger
	servers []string

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

type Option func(*Resolver)

// WithNameservers overrides the servers read from /etc/resolv.conf.
// Each entry must be a "host:port" pair.
func WithNameservers(servers ...string) Option {
	return func(r *Resolver) {
		r.servers = append([]string(nil), servers...)
	}
}

// WithTimeout overrides the per-query DNS client timeout (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.client = &dns.Client{Timeout: d}
	}
}

func withExchanger(e exchanger) Option {
	return func(r *Resolver) {
		r.client = e
	}
}

// New builds a Resolver. With no WithNameservers option it reads
// /etc/resolv.conf; if that can't be read it falls back to localhost,
// matching the teacher's use of net.Resolver's system default behavior.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		client: &dns.Client{Timeout: 2 * time.Second},
		cache:  make(map[cacheKey]cacheEntry),
	}
	for _, o := range opts {
		o(r)
	}
	if len(r.servers) == 0 {
		r.servers = systemNameservers()
	}
	return r
}

func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers
}

// Resolve implements RFC 3263 4.1/4.2: if host is an IP literal or port is
// explicit, skip straight to a single candidate (or A/AAAA); otherwise try
// NAPTR, then SRV, then plain A/AAAA against the default port for the
// resolved (or hinted) transport.
//
// transportHint, when non-empty, is a hard filter: only candidates for that
// transport are returned, matching the URI's ;transport= parameter per
// spec.md 4.1. It is lowercase ("udp", "tcp", "tls", "ws", "wss").
func (r *Resolver) Resolve(ctx context.Context, host string, port int, transportHint string) ([]SipAddr, error) {
	transportHint = strings.ToLower(transportHint)

	if ip := net.ParseIP(host); ip != nil {
		p := port
		if p == 0 {
			p = int(defaultPortFor(transportHint))
		}
		return []SipAddr{{Transport: orDefaultTransport(transportHint), IP: ip, Port: p}}, nil
	}

	if port != 0 {
		ips, err := r.lookupHost(ctx, host)
		if err != nil {
			return nil, &ErrResolveFailed{Host: host, Attempted: []string{"A/AAAA (explicit port)"}, Cause: err}
		}
		return addrsFromIPs(ips, orDefaultTransport(transportHint), port), nil
	}

	var attempted []string

	if addrs, ok := r.viaNAPTR(ctx, host, transportHint, &attempted); ok {
		return addrs, nil
	}

	if addrs, ok := r.viaSRV(ctx, host, transportHint, &attempted); ok {
		return addrs, nil
	}

	// RFC 3263 4.2: no NAPTR, no SRV - use the hinted (or default) transport
	// directly against A/AAAA with its default port.
	attempted = append(attempted, "A/AAAA (no NAPTR/SRV)")
	ips, err := r.lookupHost(ctx, host)
	if err != nil {
		return nil, &ErrResolveFailed{Host: host, Attempted: attempted, Cause: err}
	}
	tr := orDefaultTransport(transportHint)
	return addrsFromIPs(ips, tr, int(defaultPortFor(tr))), nil
}

func defaultPortFor(transport string) uint16 {
	switch transport {
	case "tls", "wss":
		return 5061
	default:
		return 5060
	}
}

func orDefaultTransport(hint string) string {
	if hint == "" {
		return "udp"
	}
	return hint
}

func addrsFromIPs(ips []net.IP, transport string, port int) []SipAddr {
	out := make([]SipAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, SipAddr{Transport: transport, IP: ip, Port: port})
	}
	return out
}

func (r *Resolver) lookupHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	if rrs, err := r.lookup(ctx, host, dns.TypeA); err == nil {
		for _, rr := range rrs {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}
	if rrs, err := r.lookup(ctx, host, dns.TypeAAAA); err == nil {
		for _, rr := range rrs {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no A/AAAA records for %q", host)
	}
	return ips, nil
}

// lookup queries every configured nameserver in order until one answers
// successfully, caching the RRset for its TTL.
func (r *Resolver) lookup(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	fqdn := dns.Fqdn(name)
	key := cacheKey{qtype, fqdn}

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.answer, nil
	}
	r.mu.Unlock()

	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns server %s: rcode %s", server, dns.RcodeToString[in.Rcode])
			continue
		}

		ttl := uint32(3600)
		if len(in.Answer) > 0 {
			ttl = in.Answer[0].Header().Ttl
		}

		r.mu.Lock()
		r.cache[key] = cacheEntry{expires: time.Now().Add(time.Duration(ttl) * time.Second), answer: in.Answer}
		r.mu.Unlock()

		return in.Answer, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, fmt.Errorf("dns lookup %s %s: %w", dns.TypeToString[qtype], fqdn, lastErr)
}
