// Package config provides configuration management for the portmux proxy.
//
// This package defines the connector and proxy configuration model, loads
// configuration files in JSON, YAML or TOML format (selected by file
// extension), and validates every connector before any socket is opened.
//
// Configuration files support environment variable substitution using the
// standard $VAR or ${VAR} syntax.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"portmux/pkg/utils"
)

// Connector kinds accepted by the configuration layer. Unknown kinds are
// rejected at validation time, never at runtime.
const (
	TypeTCP     = "tcp"
	TypeTLS     = "tls"
	TypeConnect = "connect"
	TypeSOCKS5  = "socks5"
	TypeDual    = "dual"
	TypeNull    = "null"
)

// Connector describes one side of a proxy. The set of meaningful fields
// depends on Type; fields that do not apply to the declared type are
// rejected by Validate.
type Connector struct {
	Type string `json:"type" yaml:"type" toml:"type"`
	Host string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`

	// Timeout is the dual connector's protocol detection window in seconds.
	// Fractional values are accepted.
	Timeout float64 `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`

	// Backend descriptors for the dual connector.
	ServerFirst *Connector `json:"server_first,omitempty" yaml:"server_first,omitempty" toml:"server_first,omitempty"`
	ClientFirst *Connector `json:"client_first,omitempty" yaml:"client_first,omitempty" toml:"client_first,omitempty"`

	// Upstream proxy settings for connect and socks5 connectors.
	ProxyHost  string `json:"proxy_host,omitempty" yaml:"proxy_host,omitempty" toml:"proxy_host,omitempty"`
	ProxyPort  int    `json:"proxy_port,omitempty" yaml:"proxy_port,omitempty" toml:"proxy_port,omitempty"`
	ProxyUser  string `json:"proxy_user,omitempty" yaml:"proxy_user,omitempty" toml:"proxy_user,omitempty"`
	ProxyPass  string `json:"proxy_pass,omitempty" yaml:"proxy_pass,omitempty" toml:"proxy_pass,omitempty"`
	ProxyAgent string `json:"proxy_agent,omitempty" yaml:"proxy_agent,omitempty" toml:"proxy_agent,omitempty"`

	// TLS settings. CertFile/KeyFile apply to the in role, ServerName and
	// Insecure to the out role.
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty" toml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty" toml:"key_file,omitempty"`
	ServerName string `json:"server_name,omitempty" yaml:"server_name,omitempty" toml:"server_name,omitempty"`
	Insecure   bool   `json:"insecure,omitempty" yaml:"insecure,omitempty" toml:"insecure,omitempty"`

	// ProxyProtocol enables HAProxy PROXY protocol parsing on tcp and dual
	// listeners.
	ProxyProtocol bool `json:"proxy_protocol,omitempty" yaml:"proxy_protocol,omitempty" toml:"proxy_protocol,omitempty"`
}

// Proxy pairs one in connector with one out connector under a name used for
// logging and per-proxy stats.
type Proxy struct {
	Name string    `json:"name" yaml:"name" toml:"name"`
	In   Connector `json:"in" yaml:"in" toml:"in"`
	Out  Connector `json:"out" yaml:"out" toml:"out"`
}

// File is the root of a configuration file.
type File struct {
	Proxies []Proxy `json:"proxies" yaml:"proxies" toml:"proxies"`

	// MaxConns caps the total number of accepted client connections across
	// all proxies; 0 means unlimited.
	MaxConns int `json:"max_conns,omitempty" yaml:"max_conns,omitempty" toml:"max_conns,omitempty"`

	LogLevel    string `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"`
	LogFile     string `json:"log_file,omitempty" yaml:"log_file,omitempty" toml:"log_file,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"`
}

// Error reports an invalid configuration. All validation failures are fatal
// before the engine starts.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func errf(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load reads and validates a configuration file. The format is chosen by
// file extension: .json, .yaml/.yml or .toml.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, errf("config", "no config file specified")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Substitute environment variables before parsing.
	content := os.ExpandEnv(string(data))

	file := &File{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal([]byte(content), file)
	case ".yaml", ".yml":
		err = yaml.Unmarshal([]byte(content), file)
	case ".toml":
		err = toml.Unmarshal([]byte(content), file)
	default:
		return nil, errf("config", "unsupported config format %q (want .json, .yaml or .toml)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}
	return file, nil
}

// Validate checks the whole file. At least one proxy must be declared and
// every proxy must pass its own validation.
func (f *File) Validate() error {
	if len(f.Proxies) == 0 {
		return errf("proxies", "at least one proxy is required")
	}
	if f.MaxConns < 0 {
		return errf("max_conns", "must not be negative")
	}
	seen := make(map[string]bool, len(f.Proxies))
	for i := range f.Proxies {
		p := &f.Proxies[i]
		if p.Name == "" {
			p.Name = fmt.Sprintf("proxy-%d", i)
		}
		if seen[p.Name] {
			return errf("proxies", "duplicate proxy name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one proxy: the in connector must have an in role, the out
// connector an out role, and a dual in connector must be paired with the
// null out connector since it owns its two backend choices itself.
func (p *Proxy) Validate() error {
	if err := p.In.validateIn(p.Name + ".in"); err != nil {
		return err
	}
	if err := p.Out.validateOut(p.Name + ".out"); err != nil {
		return err
	}
	if p.In.Type == TypeDual && p.Out.Type != TypeNull {
		return errf(p.Name+".out", "a dual in connector requires the null out connector, got %q", p.Out.Type)
	}
	if p.In.Type != TypeDual && p.Out.Type == TypeNull {
		return errf(p.Name+".out", "the null connector is only valid opposite a dual connector")
	}
	return nil
}

func (c *Connector) validateIn(field string) error {
	switch c.Type {
	case TypeTCP, TypeTLS:
		if err := c.requireEndpoint(field); err != nil {
			return err
		}
		if err := c.rejectFields(field, fieldTimeout|fieldBackends|fieldProxy|fieldTLSOut); err != nil {
			return err
		}
		if c.Type == TypeTLS && (c.CertFile == "" || c.KeyFile == "") {
			return errf(field, "tls listener requires cert_file and key_file")
		}
		if c.Type == TypeTCP && (c.CertFile != "" || c.KeyFile != "") {
			return errf(field, "cert_file/key_file are only valid for the tls connector")
		}
		return nil
	case TypeDual:
		return c.validateDual(field)
	case TypeConnect, TypeSOCKS5, TypeNull:
		return errf(field, "connector type %q cannot be used in the in role", c.Type)
	case "":
		return errf(field, "missing connector type")
	default:
		return errf(field, "unknown connector type %q", c.Type)
	}
}

func (c *Connector) validateOut(field string) error {
	switch c.Type {
	case TypeTCP:
		if err := c.requireEndpoint(field); err != nil {
			return err
		}
		return c.rejectFields(field, fieldTimeout|fieldBackends|fieldProxy|fieldTLS|fieldProxyProto)
	case TypeTLS:
		if err := c.requireEndpoint(field); err != nil {
			return err
		}
		return c.rejectFields(field, fieldTimeout|fieldBackends|fieldProxy|fieldTLSIn|fieldProxyProto)
	case TypeConnect, TypeSOCKS5:
		if err := c.requireEndpoint(field); err != nil {
			return err
		}
		if c.ProxyHost == "" || c.ProxyPort == 0 {
			return errf(field, "%s connector requires proxy_host and proxy_port", c.Type)
		}
		if c.Type == TypeSOCKS5 && c.ProxyAgent != "" {
			return errf(field, "proxy_agent is only valid for the connect connector")
		}
		return c.rejectFields(field, fieldTimeout|fieldBackends|fieldTLS|fieldProxyProto)
	case TypeNull:
		return c.rejectFields(field, fieldEndpoint|fieldTimeout|fieldBackends|fieldProxy|fieldTLS|fieldProxyProto)
	case TypeDual:
		return errf(field, "the dual connector cannot be used in the out role")
	case "":
		return errf(field, "missing connector type")
	default:
		return errf(field, "unknown connector type %q", c.Type)
	}
}

// validateDual checks the dual connector's own endpoint, its detection
// timeout, both backend descriptors, and that no two of the three involved
// endpoints resolve to the same address.
func (c *Connector) validateDual(field string) error {
	if err := c.requireEndpoint(field); err != nil {
		return err
	}
	if err := c.rejectFields(field, fieldProxy|fieldTLS); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return errf(field, "dual connector requires a positive timeout, got %v", c.Timeout)
	}
	if c.ServerFirst == nil || c.ClientFirst == nil {
		return errf(field, "dual connector requires both server_first and client_first backends")
	}
	if err := c.ServerFirst.validateOut(field + ".server_first"); err != nil {
		return err
	}
	if err := c.ClientFirst.validateOut(field + ".client_first"); err != nil {
		return err
	}

	// The listen endpoint and the two backends must be pairwise distinct
	// after DNS resolution, or the proxy would relay into itself.
	endpoints := []struct {
		name string
		host string
		port int
	}{
		{"listen", c.Host, c.Port},
		{"server_first", c.ServerFirst.Host, c.ServerFirst.Port},
		{"client_first", c.ClientFirst.Host, c.ClientFirst.Port},
	}
	resolved := make(map[string]string, len(endpoints))
	for _, ep := range endpoints {
		addr, err := utils.ResolveEndpoint(ep.host, ep.port)
		if err != nil {
			return errf(field+"."+ep.name, "cannot resolve %s: %v", utils.HostPort(ep.host, ep.port), err)
		}
		if prev, dup := resolved[addr]; dup {
			return errf(field, "%s and %s resolve to the same endpoint %s", prev, ep.name, addr)
		}
		resolved[addr] = ep.name
	}
	return nil
}

func (c *Connector) requireEndpoint(field string) error {
	if c.Host == "" {
		return errf(field, "%s connector requires a host", c.Type)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errf(field, "%s connector requires a valid port, got %d", c.Type, c.Port)
	}
	return nil
}

// Field groups used to reject options that do not apply to a connector type.
type fieldMask uint

const (
	fieldEndpoint fieldMask = 1 << iota
	fieldTimeout
	fieldBackends
	fieldProxy
	fieldTLSIn
	fieldTLSOut
	fieldProxyProto

	fieldTLS = fieldTLSIn | fieldTLSOut
)

func (c *Connector) rejectFields(field string, mask fieldMask) error {
	if mask&fieldEndpoint != 0 && (c.Host != "" || c.Port != 0) {
		return errf(field, "host/port are not valid for the %s connector", c.Type)
	}
	if mask&fieldTimeout != 0 && c.Timeout != 0 {
		return errf(field, "timeout is only valid for the dual connector")
	}
	if mask&fieldBackends != 0 && (c.ServerFirst != nil || c.ClientFirst != nil) {
		return errf(field, "server_first/client_first are only valid for the dual connector")
	}
	if mask&fieldProxy != 0 && (c.ProxyHost != "" || c.ProxyPort != 0 || c.ProxyUser != "" || c.ProxyPass != "" || c.ProxyAgent != "") {
		return errf(field, "proxy settings are only valid for connect and socks5 connectors")
	}
	if mask&fieldTLSIn != 0 && (c.CertFile != "" || c.KeyFile != "") {
		return errf(field, "cert_file/key_file are only valid for a tls listener")
	}
	if mask&fieldTLSOut != 0 && (c.ServerName != "" || c.Insecure) {
		return errf(field, "server_name/insecure are only valid for a tls out connector")
	}
	if mask&fieldProxyProto != 0 && c.ProxyProtocol {
		return errf(field, "proxy_protocol is only valid for tcp and dual listeners")
	}
	return nil
}
