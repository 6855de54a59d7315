package nodeid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned by ParseAddress on malformed input.
var ErrInvalidAddress = errors.New("nodeid: invalid node address")

// Address is {node_id, protocol, hostname, port, path} (spec.md §3). The
// textual form recovered from the original implementation
// (original_source/v1/tendermint/p2p/peermanager.cpp) is
// "[protocol://]id@host:port[/path]", with id and protocol optional.
type Address struct {
	NodeID   ID
	Protocol string
	Hostname string
	Port     uint16
	Path     string
}

// ParseAddress parses "[protocol://][id@]host:port[/path]".
func ParseAddress(s string) (Address, error) {
	var a Address

	if idx := strings.Index(s, "://"); idx >= 0 {
		a.Protocol = s[:idx]
		s = s[idx+3:]
	} else {
		a.Protocol = "tcp"
	}

	if idx := strings.Index(s, "@"); idx >= 0 {
		id, err := FromString(s[:idx])
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		a.NodeID = id
		s = s[idx+1:]
	}

	if idx := strings.Index(s, "/"); idx >= 0 {
		a.Path = s[idx:]
		s = s[:idx]
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	a.Hostname = host
	a.Port = uint16(port)
	return a, nil
}

// String renders the address back to its textual form.
func (a Address) String() string {
	var b strings.Builder
	if a.Protocol != "" {
		b.WriteString(a.Protocol)
		b.WriteString("://")
	}
	if !a.NodeID.IsZero() {
		b.WriteString(a.NodeID.String())
		b.WriteByte('@')
	}
	b.WriteString(net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port))))
	b.WriteString(a.Path)
	return b.String()
}

// DialString returns the bare "host:port" suitable for net.Dial.
func (a Address) DialString() string {
	return net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))
}

// Resolve expands a.Hostname to one or more dialable "host:port" endpoint
// strings (spec.md §3: "Resolves to a sequence of endpoint strings"),
// honoring ctx for cancellation/timeout (the resolve_timeout option of
// spec.md §6).
func (a Address) Resolve(ctx context.Context) ([]string, error) {
	if ip := net.ParseIP(a.Hostname); ip != nil {
		return []string{net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, a.Hostname)
	if err != nil {
		return nil, fmt.Errorf("nodeid: resolve %q: %w", a.Hostname, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("nodeid: resolve %q: %w", a.Hostname, ErrInvalidAddress)
	}

	endpoints := make([]string, 0, len(addrs))
	for _, ip := range addrs {
		endpoints = append(endpoints, net.JoinHostPort(ip.IP.String(), strconv.Itoa(int(a.Port))))
	}
	return endpoints, nil
}
