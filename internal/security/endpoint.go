package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// deniedHosts are names that always refer to infrastructure we must
// never deliver to, regardless of what DNS says.
var deniedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL vets a subscriber-supplied webhook URL before the
// dispatcher will POST to it. Deliveries originate inside our network,
// so a URL pointing at loopback, RFC 1918 space, link-local ranges or
// the cloud metadata service would turn the dispatcher into an SSRF
// proxy. Both the literal host and every resolved address are checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a host")
	}

	for _, deny := range deniedHosts {
		if strings.EqualFold(host, deny) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("URL host %q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return errors.New("loopback addresses are not allowed")
	case addr.IsPrivate():
		return errors.New("private addresses are not allowed")
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return errors.New("link-local addresses are not allowed")
	case addr.IsUnspecified():
		return errors.New("unspecified addresses are not allowed")
	}
	return nil
}
