package session

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint identifies a telemetry source. Hosts are compared as given; no
// DNS or case normalization is applied, so "Example.com" and "example.com"
// are different endpoints.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// ParseEndpoint parses "host:port" (IPv6 hosts in brackets).
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrInvalidEndpoint, portStr)
	}
	ep := Endpoint{Host: host, Port: port}
	return ep, ep.Validate()
}

func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Host != eps[j].Host {
			return eps[i].Host < eps[j].Host
		}
		return eps[i].Port < eps[j].Port
	})
}
