// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package urlcheck rejects upstream URLs that would let a tenant steer the
// gateway at private, loopback or cloud-metadata targets. It offers a lexical
// check, a DNS check that subsumes it, and a pinning dialer that re-validates
// every address at connect time so a DNS answer cannot change between
// validation and dial.
package urlcheck

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Error codes returned by this package.
const (
	CodeMissing           = "URL_MISSING"
	CodeTooLong           = "URL_TOO_LONG"
	CodeMalformed         = "URL_MALFORMED"
	CodeBadScheme         = "URL_BAD_SCHEME"
	CodeHostDenied        = "URL_HOST_DENIED"
	CodePrivateIP         = "URL_PRIVATE_IP"
	CodeLocalhost         = "URL_LOCALHOST"
	CodeHasUserinfo       = "URL_HAS_USERINFO"
	CodeDNSUnresolvable   = "DNS_UNRESOLVABLE"
	CodePrivateIPResolved = "URL_PRIVATE_IP_RESOLVED"
)

// maxURLLength bounds accepted URLs.
const maxURLLength = 2048

// Error describes why a URL was rejected. Code is stable and machine
// readable; Message is safe to surface to clients.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// blockedHostnames are denied outright regardless of what they resolve to.
var blockedHostnames = map[string]struct{}{
	"metadata.google.internal": {},
	"metadata.goog":            {},
}

// blockedV4 are the IPv4 ranges the gateway never connects to.
var blockedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Resolver is the subset of net.Resolver the checker needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Checker validates upstream URLs and dials only addresses that pass.
// The zero value uses net.DefaultResolver, denies plaintext http and dials
// with a default net.Dialer.
type Checker struct {
	// Resolver resolves hostnames. Nil means net.DefaultResolver.
	Resolver Resolver
	// AllowHTTP permits the http scheme, for development environments only.
	AllowHTTP bool
	// DialFunc performs the underlying dial once an address has passed
	// validation. Nil means a default net.Dialer.
	DialFunc func(ctx context.Context, network, address string) (net.Conn, error)
}

// New returns a Checker resolving through resolver (nil for the system
// default). allowHTTP relaxes the scheme check for development.
func New(resolver Resolver, allowHTTP bool) *Checker {
	return &Checker{Resolver: resolver, AllowHTTP: allowHTTP}
}

func (c *Checker) resolver() Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

func (c *Checker) dialFunc() func(ctx context.Context, network, address string) (net.Conn, error) {
	if c.DialFunc != nil {
		return c.DialFunc
	}
	var d net.Dialer
	return d.DialContext
}

// Lexical validates raw without network traffic: length, shape, scheme,
// userinfo, denied hostnames and IP-literal classification.
func Lexical(raw string, allowHTTP bool) error {
	if raw == "" {
		return &Error{Code: CodeMissing, Message: "URL is required"}
	}
	if len(raw) > maxURLLength {
		return &Error{Code: CodeTooLong, Message: fmt.Sprintf("URL exceeds %d characters", maxURLLength)}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{Code: CodeMalformed, Message: "URL is malformed"}
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowHTTP {
			return &Error{Code: CodeBadScheme, Message: "only https URLs are allowed"}
		}
	default:
		return &Error{Code: CodeBadScheme, Message: "only https URLs are allowed"}
	}
	host := strings.ToLower(u.Hostname())
	if _, denied := blockedHostnames[host]; denied {
		return &Error{Code: CodeHostDenied, Message: "hostname is not allowed"}
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		if cerr := classifyAddr(ip); cerr != nil {
			return cerr
		}
	} else if host == "localhost" {
		return &Error{Code: CodeLocalhost, Message: "Localhost URLs are not allowed"}
	}
	if u.User != nil {
		return &Error{Code: CodeHasUserinfo, Message: "URLs with embedded credentials are not allowed"}
	}
	return nil
}

// Validate runs the lexical check and, for non-literal hostnames, resolves
// the name and rejects it when any answer falls in a blocked range. IP
// literals already classified lexically produce no DNS traffic.
//
// This is advisory: a resolver may answer differently at connect time, so
// outbound requests must go through DialContext, which pins the address.
func (c *Checker) Validate(ctx context.Context, raw string) error {
	if err := Lexical(raw, c.AllowHTTP); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &Error{Code: CodeMalformed, Message: "URL is malformed"}
	}
	host := strings.ToLower(u.Hostname())
	if _, perr := netip.ParseAddr(host); perr == nil {
		return nil
	}
	addrs, err := c.resolver().LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return &Error{Code: CodeDNSUnresolvable, Message: fmt.Sprintf("hostname %q does not resolve", host)}
	}
	for _, a := range addrs {
		if blockedIP(a.IP) {
			return &Error{Code: CodePrivateIPResolved, Message: fmt.Sprintf("hostname %q resolves to a private address", host)}
		}
	}
	return nil
}

// DialContext resolves address's host itself, validates every answer and
// connects to a passing address, never the name. Using it as the transport
// dialer closes the window between Validate and the actual connection.
func (c *Checker) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(host)
	if _, denied := blockedHostnames[lower]; denied {
		return nil, &Error{Code: CodeHostDenied, Message: "hostname is not allowed"}
	}
	if lower == "localhost" {
		return nil, &Error{Code: CodeLocalhost, Message: "Localhost URLs are not allowed"}
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		if cerr := classifyAddr(ip); cerr != nil {
			return nil, cerr
		}
		return c.dialFunc()(ctx, network, address)
	}
	addrs, err := c.resolver().LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, &Error{Code: CodeDNSUnresolvable, Message: fmt.Sprintf("hostname %q does not resolve", host)}
	}
	// One blocked answer taints the whole response set: a name mixing public
	// and private addresses is exactly what a rebinding attack looks like.
	for _, a := range addrs {
		if blockedIP(a.IP) {
			return nil, &Error{Code: CodePrivateIPResolved, Message: fmt.Sprintf("hostname %q resolves to a private address", host)}
		}
	}
	var lastErr error
	for _, a := range addrs {
		conn, derr := c.dialFunc()(ctx, network, net.JoinHostPort(a.IP.String(), port))
		if derr == nil {
			return conn, nil
		}
		lastErr = derr
	}
	return nil, lastErr
}

// classifyAddr maps a literal address onto the lexical error taxonomy.
func classifyAddr(ip netip.Addr) error {
	ip = ip.Unmap()
	if ip.Is4() {
		for _, p := range blockedV4 {
			if p.Contains(ip) {
				return &Error{Code: CodePrivateIP, Message: "Private IP addresses are not allowed"}
			}
		}
		return nil
	}
	if ip.IsLoopback() {
		return &Error{Code: CodeLocalhost, Message: "Localhost URLs are not allowed"}
	}
	if ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return &Error{Code: CodePrivateIP, Message: "Private IP addresses are not allowed"}
	}
	return nil
}

// blockedIP reports whether a resolved address falls in a denied range.
func blockedIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	return classifyAddr(addr) != nil
}
