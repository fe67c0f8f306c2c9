package webhooks

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver is the DNS surface the validator needs; net.DefaultResolver in
// production, a fake in tests.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator decides whether a caller-supplied URL is a safe webhook target.
// It is the SSRF boundary: the dispatcher runs it before every outbound
// attempt, never caching the verdict, because DNS answers can change between
// registration and delivery (DNS rebinding).
type Validator struct {
	Resolver Resolver
}

func NewValidator() *Validator {
	return &Validator{Resolver: net.DefaultResolver}
}

// Validate returns nil for acceptable targets and a descriptive error
// otherwise. Every step fails closed.
func (v *Validator) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("scheme %q not allowed; only http and https", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("URL must not embed credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return fmt.Errorf("host %q targets the local machine or network", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return classifyAddr(addr)
	}
	addrs, err := v.Resolver.LookupNetIP(ctx, "ip", lower)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %q resolved to no addresses", host)
	}
	// Every resolved address must be public; one private answer rejects the
	// whole name.
	for _, a := range addrs {
		if err := classifyAddr(a); err != nil {
			return err
		}
	}
	return nil
}

// classifyAddr rejects loopback, private, link-local, unspecified, and
// multicast targets. IPv4-mapped IPv6 addresses are unwrapped first so the
// embedded IPv4 address is classified under the IPv4 rules.
func classifyAddr(addr netip.Addr) error {
	a := addr.Unmap()
	switch {
	case a.IsLoopback():
		return fmt.Errorf("address %s is a loopback address", a)
	case a.IsPrivate():
		return fmt.Errorf("address %s is in a private range", a)
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("address %s is link-local", a)
	case a.IsUnspecified():
		return fmt.Errorf("address %s is unspecified", a)
	case a.IsMulticast():
		return fmt.Errorf("address %s is multicast", a)
	}
	return nil
}
