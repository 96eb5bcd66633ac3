package transport

import "context"

// AddrResolver resolves a request destination host into a dialable
// "ip:port" address for network. It is the seam resolver.Resolver plugs
// into; ClientRequestConnection falls back to a plain SRV lookup via the
// layer's net.Resolver when none is configured.
type AddrResolver interface {
	ResolveDestination(ctx context.Context, network, host string) (addr string, err error)
}
