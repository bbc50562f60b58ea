package locks

import (
	"net"
	"os"
	"strings"
)

// Identity names the holder of a lock. It is a diagnostic label, not a
// credential.
type Identity struct {
	User string
	Host string
}

// String returns user@host, the value stored in the coordination store
func (id Identity) String() string {
	return id.User + "@" + id.Host
}

// DefaultIdentity builds the identity for this process. An empty user falls
// back to $USER and then "anonymous".
func DefaultIdentity(user string) Identity {
	return Identity{User: resolveUser(user), Host: fqdn()}
}

func resolveUser(user string) string {
	if user != "" {
		return user
	}
	if env := os.Getenv("USER"); env != "" {
		return env
	}
	return "anonymous"
}

// fqdn returns the fully-qualified host name, falling back to the short
// hostname when reverse resolution fails.
func fqdn() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "localhost"
	}
	if strings.Contains(hostname, ".") {
		return hostname
	}

	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return hostname
	}
	for _, addr := range addrs {
		names, err := net.LookupAddr(addr)
		if err != nil {
			continue
		}
		for _, name := range names {
			name = strings.TrimSuffix(name, ".")
			if strings.HasPrefix(name, hostname+".") {
				return name
			}
		}
	}
	return hostname
}
