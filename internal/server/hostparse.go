package server

import (
	"errors"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	// ErrInvalidHostname is returned when a request carries no usable Host.
	ErrInvalidHostname = errors.New("invalid hostname")

	// ErrInvalidSubdomain is returned when the Host has no label left of
	// the registrable domain (or nothing left after base-subdomain strip).
	ErrInvalidSubdomain = errors.New("invalid subdomain")
)

// ResolveName extracts the routing name from a Host header value: the
// labels left of the registrable domain, minus an optional trailing base
// subdomain the server itself runs under, lowercased.
//
// With base "tunnel", "alice.tunnel.example.com" resolves to "alice" and
// "tunnel.example.com" is rejected. Nested labels survive:
// "my.super.example.com" resolves to "my.super".
func ResolveName(host, base string) (string, error) {
	if host == "" {
		return "", ErrInvalidHostname
	}
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil || host == registrable {
		return "", ErrInvalidSubdomain
	}
	prefix := strings.TrimSuffix(host, "."+registrable)

	if base != "" {
		base = strings.ToLower(base)
		if prefix == base {
			return "", ErrInvalidSubdomain
		}
		prefix = strings.TrimSuffix(prefix, "."+base)
	}
	if prefix == "" {
		return "", ErrInvalidSubdomain
	}
	return prefix, nil
}
