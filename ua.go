package sipstack

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/sipstack-go/sipstack/parser"
	"github.com/sipstack-go/sipstack/resolver"
	"github.com/sipstack-go/sipstack/sip"
	"github.com/sipstack-go/sipstack/transaction"
	"github.com/sipstack-go/sipstack/transport"
)

type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	addrResolver *resolver.Resolver
	tp          *transport.Layer
	tx          *transaction.Layer
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUserAgenTLSConfig sets the tls.Config used when dialing/listening on
// TLS and WSS transports.
func WithUserAgenTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithAddrResolver installs a full RFC 3263 NAPTR/SRV/A resolver in place
// of the default plain SRV lookup.
func WithAddrResolver(r *resolver.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.addrResolver = r
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	var layerOpts []transport.LayerOption
	if s.addrResolver != nil {
		layerOpts = append(layerOpts, transport.WithAddrResolver(resolver.NewAddrResolverAdapter(s.addrResolver, "")))
	}

	s.tp = transport.NewLayer(s.dnsResolver, parser.NewParser(), s.tlsConfig, layerOpts...)
	s.tx = transaction.NewLayer(s.tp)
	return s, nil
}

// Listen adds listener for serve
func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}
