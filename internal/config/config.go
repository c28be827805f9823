/*
File: config.go
Version: 1.0.0
Description: YAML configuration for the webget tool. Durations are kept as raw strings in the file
             and parsed once at load time; Apply* helpers push the result into a resolver and client.
*/

package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"asyncnet/internal/logger"
	"asyncnet/resolver"
	"asyncnet/webclient"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Logging  logger.Config  `yaml:"logging"`
	Resolver ResolverConfig `yaml:"resolver"`
	Client   ClientConfig   `yaml:"client"`
}

type ResolverConfig struct {
	// Nameservers are "addr" or "addr:port" entries. Empty means import resolv.conf.
	Nameservers StringOrSlice `yaml:"nameservers"`
	ResolvConf  string        `yaml:"resolv_conf"`
	Family      string        `yaml:"family"`
	Timeout     string        `yaml:"timeout"`
	QPS         int           `yaml:"qps"`

	parsedFamily  resolver.Family
	parsedTimeout time.Duration
	parsedServers []netip.AddrPort
}

type ClientConfig struct {
	Interface       string `yaml:"interface"`
	BindAddress     string `yaml:"bind_address"`
	Proxy           string `yaml:"proxy"`
	UserAgent       string `yaml:"user_agent"`
	HTTPVersion     string `yaml:"http_version"`
	WAPProfile      string `yaml:"wap_profile"`
	ConnectionClose bool   `yaml:"connection_close"`
	InsecureTLS     bool   `yaml:"insecure_tls"`
	HostQPS         int    `yaml:"host_qps"`
	Timeout         string `yaml:"timeout"`

	parsedTimeout time.Duration
}

// StringOrSlice accepts either a single string or a list of strings.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var single string
	if err := value.Decode(&single); err == nil {
		*s = []string{single}
		return nil
	}

	var slice []string
	if err := value.Decode(&slice); err != nil {
		return err
	}
	*s = slice
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.finish(); err != nil {
		// Defaults are constant; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	// Logging Defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"console"}
	}
	if c.Logging.Syslog.Address == "" {
		c.Logging.Syslog.Address = "127.0.0.1:514"
	}
	if strings.HasPrefix(c.Logging.Syslog.Address, "/") && (c.Logging.Syslog.Network == "" || c.Logging.Syslog.Network == "udp") {
		c.Logging.Syslog.Network = "unixgram"
	}
	if c.Logging.Syslog.Network == "" {
		c.Logging.Syslog.Network = "udp"
	}
	if c.Logging.Syslog.Tag == "" {
		c.Logging.Syslog.Tag = "webget"
	}
	if c.Logging.Syslog.Facility == 0 {
		c.Logging.Syslog.Facility = 16
	}

	// Resolver Defaults
	if c.Resolver.Family == "" {
		c.Resolver.Family = "any"
	}
	if c.Resolver.Timeout == "" {
		c.Resolver.Timeout = resolver.DefaultQueryTimeout.String()
	}

	// Client Defaults
	if c.Client.UserAgent == "" {
		c.Client.UserAgent = webclient.DefaultUserAgent
	}
	if c.Client.HTTPVersion == "" {
		c.Client.HTTPVersion = "1.1"
	}
	if c.Client.Timeout == "" {
		c.Client.Timeout = webclient.DefaultTimeout.String()
	}

	return c.validate()
}

func (c *Config) validate() error {
	var err error

	if c.Resolver.parsedFamily, err = resolver.ParseFamily(c.Resolver.Family); err != nil {
		return fmt.Errorf("%w: resolver.family: %v", ErrInvalid, err)
	}
	if c.Resolver.parsedTimeout, err = parseDuration(c.Resolver.Timeout); err != nil {
		return fmt.Errorf("%w: resolver.timeout: %v", ErrInvalid, err)
	}
	if c.Resolver.QPS < 0 {
		return fmt.Errorf("%w: resolver.qps must not be negative", ErrInvalid)
	}
	c.Resolver.parsedServers = c.Resolver.parsedServers[:0]
	for _, s := range c.Resolver.Nameservers {
		ap, err := parseNameserver(s)
		if err != nil {
			return fmt.Errorf("%w: resolver.nameservers: %v", ErrInvalid, err)
		}
		c.Resolver.parsedServers = append(c.Resolver.parsedServers, ap)
	}

	if c.Client.parsedTimeout, err = parseDuration(c.Client.Timeout); err != nil {
		return fmt.Errorf("%w: client.timeout: %v", ErrInvalid, err)
	}
	if c.Client.HostQPS < 0 {
		return fmt.Errorf("%w: client.host_qps must not be negative", ErrInvalid)
	}
	if c.Client.BindAddress != "" {
		if _, err := netip.ParseAddr(c.Client.BindAddress); err != nil {
			return fmt.Errorf("%w: client.bind_address: %v", ErrInvalid, err)
		}
	}
	switch c.Client.HTTPVersion {
	case "1.0", "1.1", "HTTP/1.0", "HTTP/1.1":
	default:
		return fmt.Errorf("%w: client.http_version %q", ErrInvalid, c.Client.HTTPVersion)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// parseNameserver accepts "1.1.1.1", "1.1.1.1:5353", "::1" and "[::1]:5353".
func parseNameserver(s string) (netip.AddrPort, error) {
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(a, 53), nil
	}
	return netip.ParseAddrPort(s)
}

func (c *ResolverConfig) ParsedFamily() resolver.Family   { return c.parsedFamily }
func (c *ResolverConfig) ParsedTimeout() time.Duration    { return c.parsedTimeout }
func (c *ResolverConfig) ParsedServers() []netip.AddrPort { return c.parsedServers }
func (c *ClientConfig) ParsedTimeout() time.Duration      { return c.parsedTimeout }

// InterfaceIndex resolves client.interface to an index. Empty means any interface.
func (c *ClientConfig) InterfaceIndex() (int, error) {
	if c.Interface == "" {
		return 0, nil
	}
	ifi, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return 0, fmt.Errorf("client.interface: %w", err)
	}
	return ifi.Index, nil
}

// ApplyResolver configures r. Explicit nameservers replace resolv.conf import.
func (c *ResolverConfig) ApplyResolver(r *resolver.Resolver) error {
	r.SetAddressFamily(c.parsedFamily)
	r.SetQueryTimeout(c.parsedTimeout)
	r.SetNameserverQPS(c.QPS)
	if c.ResolvConf != "" {
		r.SetResolvConf(c.ResolvConf)
	}
	for _, ap := range c.parsedServers {
		if err := r.AddNameserver(ap.Addr().String(), int(ap.Port()), 0); err != nil {
			return err
		}
	}
	return nil
}

// ApplyClient configures wc.
func (c *ClientConfig) ApplyClient(wc *webclient.Client) error {
	if err := wc.SetProxy(c.Proxy); err != nil {
		return err
	}
	if err := wc.SetBindAddress(c.BindAddress); err != nil {
		return err
	}
	if err := wc.SetHTTPVersion(c.HTTPVersion); err != nil {
		return err
	}
	wc.SetUserAgent(c.UserAgent)
	wc.SetWAPProfile(c.WAPProfile)
	wc.SetConnectionClose(c.ConnectionClose)
	wc.SetInsecureSkipVerify(c.InsecureTLS)
	wc.SetTimeout(c.parsedTimeout)
	wc.SetHostQPS(c.HostQPS)
	return nil
}
