package utils

import (
	"fmt"
	"net"
	"strconv"
)

// ParseHostPort splits a host:port endpoint, falling back to defaultPort
// when no port is present. Ports must be numeric.
func ParseHostPort(hostPort string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port: %s", portStr)
	}
	return host, port, nil
}

// HostPort joins a host and numeric port into the host:port form expected by
// the net package, bracketing IPv6 literals.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ResolveEndpoint resolves host:port to a canonical ip:port string. Two
// endpoints that resolve to the same string address the same service, even
// when one is spelled as a hostname and the other as an IP literal.
func ResolveEndpoint(host string, port int) (string, error) {
	addr, err := net.ResolveTCPAddr("tcp", HostPort(host, port))
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
