package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// fallbackSRVName pairs the SRV service prefix tried when NAPTR yields
// nothing with the transport it represents.
type fallbackSRVName struct {
	transport string
	prefix    string
}

// fallbackSRVNames is tried in order when a zone has no usable NAPTR
// records. RFC 3263 only documents _sip._udp/_sip._tcp/_sips._tcp; the
// ws/wss entries are this package's own extension for RFC 7118 transports,
// since NAPTR service tags SIP+D2W/SIPS+D2W exist but SRV-only deployments
// of them are common in practice. See DESIGN.md for this deviation.
var fallbackSRVNames = []fallbackSRVName{
	{"tls", "_sips._tcp"},
	{"tcp", "_sip._tcp"},
	{"udp", "_sip._udp"},
	{"wss", "_sips._wss"},
	{"ws", "_sip._ws"},
}

// viaSRV implements the RFC 3263 §4.2 fallback: try each well-known SRV
// name in turn, filtered by transportHint when present, stopping at the
// first one that resolves.
func (r *Resolver) viaSRV(ctx context.Context, host, transportHint string, attempted *[]string) ([]SipAddr, bool) {
	for _, fb := range fallbackSRVNames {
		if transportHint != "" && fb.transport != transportHint {
			continue
		}
		name := fmt.Sprintf("%s.%s", fb.prefix, host)
		*attempted = append(*attempted, "SRV "+name)

		addrs, err := r.resolveSRV(ctx, name, fb.transport)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return addrs, true
	}
	return nil, false
}

// resolveSRV queries name for SRV records, orders candidates by RFC 2782 §3
// (priority ascending, weight used to break ties by favoring the heavier
// weight first; full weighted-random selection is left to the caller since
// SipAddr order here is a preference list, not a single pick), and resolves
// each target to A/AAAA.
func (r *Resolver) resolveSRV(ctx context.Context, name, transport string) ([]SipAddr, error) {
	rrs, err := r.lookup(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	var srvs []*dns.SRV
	for _, rr := range rrs {
		if s, ok := rr.(*dns.SRV); ok {
			srvs = append(srvs, s)
		}
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("no SRV records for %q", name)
	}

	sort.Slice(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})

	var out []SipAddr
	for _, s := range srvs {
		target := strings.TrimSuffix(s.Target, ".")
		ips, err := r.lookupHost(ctx, target)
		if err != nil {
			continue
		}
		out = append(out, addrsFromIPs(ips, transport, int(s.Port))...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("SRV targets for %q did not resolve", name)
	}
	return out, nil
}
