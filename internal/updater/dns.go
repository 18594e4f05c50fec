package updater

import (
	"context"
	"net"
	"strings"
	"time"
)

// reverseDNSTimeout bounds how long a single reverse lookup may block the
// Updater's cooperative loop.
const reverseDNSTimeout = 2 * time.Second

// lookupAddr is the PTR resolver reverseDNS delegates to; overridden in
// tests so the state-update algorithm never makes a real network call.
var lookupAddr = net.DefaultResolver.LookupAddr

// reverseDNS resolves ip to a PTR name, returning ip itself if the lookup
// fails or ip is empty (the original implementation's reverse_dns_lookup
// behavior, adapted to not block indefinitely).
func reverseDNS(ip string) string {
	if ip == "" {
		return ip
	}

	ctx, cancel := context.WithTimeout(context.Background(), reverseDNSTimeout)
	defer cancel()

	names, err := lookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ip
	}
	return strings.TrimSuffix(names[0], ".")
}
