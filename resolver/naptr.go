package resolver

import (
	"context"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// naptrService describes one RFC 3263 §4.1 NAPTR service tag.
type naptrService struct {
	transport string
	srvPrefix string // e.g. "_sip._udp"
}

var naptrServices = map[string]naptrService{
	"SIP+D2U":  {"udp", "_sip._udp"},
	"SIP+D2T":  {"tcp", "_sip._tcp"},
	"SIPS+D2T": {"tls", "_sips._tcp"},
	"SIP+D2W":  {"ws", "_sip._ws"},
	"SIPS+D2W": {"wss", "_sips._wss"},
}

// viaNAPTR implements RFC 3263 §4.1: query NAPTR for host, keep only records
// whose service tag is known (and matches transportHint if one was given),
// order by (order, preference), and resolve each candidate's replacement
// via SRV. Returns ok=false if NAPTR yielded nothing usable, so the caller
// can fall back to plain SRV.
func (r *Resolver) viaNAPTR(ctx context.Context, host, transportHint string, attempted *[]string) ([]SipAddr, bool) {
	*attempted = append(*attempted, "NAPTR "+host)

	rrs, err := r.lookup(ctx, host, dns.TypeNAPTR)
	if err != nil || len(rrs) == 0 {
		return nil, false
	}

	type candidate struct {
		order, pref uint16
		svc         naptrService
		replacement string
	}
	var candidates []candidate

	for _, rr := range rrs {
		n, ok := rr.(*dns.NAPTR)
		if !ok {
			continue
		}
		if !strings.EqualFold(n.Flags, "s") && !strings.EqualFold(n.Flags, "a") {
			continue
		}
		svc, known := naptrServices[strings.ToUpper(n.Service)]
		if !known {
			continue
		}
		if transportHint != "" && svc.transport != transportHint {
			continue
		}
		candidates = append(candidates, candidate{n.Order, n.Preference, svc, n.Replacement})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].order != candidates[j].order {
			return candidates[i].order < candidates[j].order
		}
		return candidates[i].pref < candidates[j].pref
	})

	var out []SipAddr
	for _, c := range candidates {
		addrs, err := r.resolveSRV(ctx, strings.TrimSuffix(c.replacement, "."), c.svc.transport)
		if err != nil {
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
