package resolver

import (
	"context"
	"fmt"
)

// AddrResolverAdapter implements transport.AddrResolver on top of a
// Resolver, without transport importing this package (transport is the
// lower layer; it depends on nothing above it). Built with NewAddrResolverAdapter
// and passed to transport.WithAddrResolver.
type AddrResolverAdapter struct {
	resolver  *Resolver
	transport string // preferred transport when the caller's network hint is empty
}

// NewAddrResolverAdapter wraps r so it can be installed via
// transport.WithAddrResolver. preferredTransport is used only when the
// transport layer's own network hint ends up empty (it never does in
// today's call sites, but the adapter stays defensive).
func NewAddrResolverAdapter(r *Resolver, preferredTransport string) *AddrResolverAdapter {
	return &AddrResolverAdapter{resolver: r, transport: preferredTransport}
}

// ResolveDestination runs the full RFC 3263 chain for host and returns the
// first candidate's dialable address for network.
func (a *AddrResolverAdapter) ResolveDestination(ctx context.Context, network, host string) (string, error) {
	hint := network
	if hint == "" {
		hint = a.transport
	}
	addrs, err := a.resolver.Resolve(ctx, host, 0, hint)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %q: no candidates", host)
	}
	return addrs[0].String(), nil
}
