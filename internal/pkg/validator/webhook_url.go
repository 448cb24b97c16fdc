package validator

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Resolver looks up the addresses a hostname points at. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLError is a validation failure whose message is safe to show to the
// caller.
type URLError struct {
	Message string
}

func (e *URLError) Error() string {
	return e.Message
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var localHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
}

// IsPrivateAddr reports whether addr is loopback, private, link-local or
// unspecified. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isLocalHostname(host string) bool {
	return localHostnames[host] || strings.HasSuffix(host, ".localhost")
}

type WebhookURLValidator struct {
	resolver Resolver
}

func NewWebhookURLValidator(resolver Resolver) *WebhookURLValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &WebhookURLValidator{resolver: resolver}
}

// Validate checks raw as a webhook target and returns the re-serialized URL.
// A hostname is rejected when any of its addresses is private, which blocks
// names that mix public and internal records.
func (v *WebhookURLValidator) Validate(ctx context.Context, raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", &URLError{Message: `"url" is required.`}
	}

	u, err := url.Parse(value)
	if err != nil || !u.IsAbs() || u.Opaque != "" {
		return "", &URLError{Message: `"url" must be a valid absolute URL.`}
	}

	host := strings.ToLower(u.Hostname())
	local := isLocalHostname(host)

	if host == "" {
		return "", &URLError{Message: "Webhook URL hostname is required."}
	}

	if u.User != nil {
		return "", &URLError{Message: "Webhook URL must not include credentials."}
	}

	addr, literalErr := netip.ParseAddr(host)
	if literalErr == nil && IsPrivateAddr(addr) {
		return "", &URLError{Message: "Private or loopback IP addresses are not allowed."}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && !(local && scheme == "http") {
		return "", &URLError{Message: "Webhook URL must use HTTPS (HTTP allowed only for localhost)."}
	}

	if literalErr != nil && !local {
		addrs, err := v.resolver.LookupIPAddr(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", &URLError{Message: "Webhook hostname could not be resolved."}
		}
		for _, a := range addrs {
			ip, ok := netip.AddrFromSlice(a.IP)
			if !ok || IsPrivateAddr(ip) {
				return "", &URLError{Message: "Webhook URL resolves to a private or loopback IP address."}
			}
		}
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}
