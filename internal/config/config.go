package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/die-net/detour/internal/dialer"
	"github.com/die-net/detour/internal/proxy"
	"github.com/die-net/detour/internal/reach"
)

const (
	DefaultLocalHost    = "localhost"
	DefaultLocalPort    = 8080
	DefaultUpstreamPort = 1080
	DefaultTCPKeepAlive = "45:45:3"

	defaultUpstreamTimeout = 10 * time.Second
)

// ConfigError reports an invalid setting. The server is not started.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Timeouts groups the independently tunable timeouts.
type Timeouts struct {
	// Head bounds each read while receiving a request head and body.
	Head Duration `yaml:"head"`

	// IO bounds each read and write during a plain HTTP exchange.
	IO Duration `yaml:"io"`

	ConnectDial Duration `yaml:"connect_dial"`
	HTTPDial    Duration `yaml:"http_dial"`

	// Upstream bounds the connect and handshake with the SOCKS5 upstream.
	Upstream Duration `yaml:"upstream"`

	RelayIdle     Duration `yaml:"relay_idle"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// Settings is the operator-facing configuration.
type Settings struct {
	LocalHost string `yaml:"local_host"`
	LocalPort int    `yaml:"local_port"`

	// An empty UpstreamHost disables the SOCKS5 fallback.
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`

	BypassList HostList `yaml:"bypass_list"`
	ProxyList  HostList `yaml:"proxy_list"`

	SuccessTTL Duration `yaml:"success_ttl"`
	FailTTL    Duration `yaml:"fail_ttl"`

	// TCPKeepAlive is on, off, or keepidle:keepintvl:keepcnt in seconds.
	TCPKeepAlive string `yaml:"tcp_keepalive"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// Default returns the settings used when neither a file nor a flag says
// otherwise.
func Default() *Settings {
	return &Settings{
		LocalHost:    DefaultLocalHost,
		LocalPort:    DefaultLocalPort,
		UpstreamPort: DefaultUpstreamPort,
		SuccessTTL:   Duration(reach.DefaultSuccessTTL),
		FailTTL:      Duration(reach.DefaultFailTTL),
		TCPKeepAlive: DefaultTCPKeepAlive,
		Timeouts: Timeouts{
			Head:          Duration(proxy.DefaultHeadTimeout),
			IO:            Duration(proxy.DefaultIOTimeout),
			ConnectDial:   Duration(proxy.DefaultConnectDialTimeout),
			HTTPDial:      Duration(proxy.DefaultHTTPDialTimeout),
			Upstream:      Duration(defaultUpstreamTimeout),
			RelayIdle:     Duration(proxy.DefaultRelayIdleTimeout),
			ShutdownGrace: Duration(proxy.DefaultShutdownGrace),
		},
	}
}

// Load reads settings from a YAML file. Keys absent from the file keep their
// defaults; unknown keys are an error. The result is not validated.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML settings on top of Default.
func Parse(data []byte) (*Settings, error) {
	s := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return s, nil
}

// RegisterFlags defines a flag for every setting on fs, bound to s. Current
// values of s become the flag defaults.
func (s *Settings) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.LocalHost, "local-host", s.LocalHost, "Local proxy listen host")
	fs.IntVar(&s.LocalPort, "local-port", s.LocalPort, "Local proxy listen port")
	fs.StringVar(&s.UpstreamHost, "upstream-host", s.UpstreamHost, "SOCKS5 upstream host. Empty disables the fallback.")
	fs.IntVar(&s.UpstreamPort, "upstream-port", s.UpstreamPort, "SOCKS5 upstream port")
	fs.Var(&s.BypassList, "bypass-list", "Comma-separated hosts, domains or CIDRs that are always dialed directly")
	fs.Var(&s.ProxyList, "proxy-list", "Comma-separated hosts, domains or CIDRs that always go through the upstream")
	fs.Var(&s.SuccessTTL, "success-ttl", "How long a successful direct connect is remembered")
	fs.Var(&s.FailTTL, "fail-ttl", "How long a failed direct connect skips further direct attempts")
	fs.StringVar(&s.TCPKeepAlive, "tcp-keepalive", s.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.Var(&s.Timeouts.Head, "head-timeout", "Timeout for each read of a client request")
	fs.Var(&s.Timeouts.IO, "io-timeout", "Timeout for each read and write while relaying plain HTTP")
	fs.Var(&s.Timeouts.ConnectDial, "connect-dial-timeout", "Direct connect timeout for CONNECT requests")
	fs.Var(&s.Timeouts.HTTPDial, "http-dial-timeout", "Direct connect timeout for plain HTTP requests")
	fs.Var(&s.Timeouts.Upstream, "upstream-timeout", "Timeout for connecting to and negotiating with the SOCKS5 upstream")
	fs.Var(&s.Timeouts.RelayIdle, "relay-idle-timeout", "Close a CONNECT tunnel after this long without traffic")
	fs.Var(&s.Timeouts.ShutdownGrace, "shutdown-grace", "How long shutdown waits for active connections")
}

// ApplyFlags copies every flag explicitly set on fs onto s, so command line
// flags override a loaded file. fs must have been populated by RegisterFlags.
func (s *Settings) ApplyFlags(fs *pflag.FlagSet) error {
	dst := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	s.RegisterFlags(dst)

	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil || dst.Lookup(f.Name) == nil {
			return
		}
		if serr := dst.Set(f.Name, f.Value.String()); serr != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, serr)
		}
	})
	return err
}

// SetUpstreamURL sets the upstream from a socks5://host[:port] URL. An empty
// value or none:// clears it.
func (s *Settings) SetUpstreamURL(raw string) error {
	if raw == "" {
		s.UpstreamHost = ""
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Field: "upstream url", Err: err}
	}
	switch strings.ToLower(u.Scheme) {
	case "none":
		s.UpstreamHost = ""
		return nil
	case "socks5":
	default:
		return &ConfigError{Field: "upstream url", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	if u.Hostname() == "" {
		return &ConfigError{Field: "upstream url", Err: errors.New("missing host")}
	}
	port := DefaultUpstreamPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return &ConfigError{Field: "upstream url", Err: err}
		}
	}
	s.UpstreamHost = u.Hostname()
	s.UpstreamPort = port
	return nil
}

// Validate checks every setting and returns a *ConfigError for the first
// invalid one.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.LocalHost) == "" {
		return &ConfigError{Field: "local_host", Err: errors.New("must not be empty")}
	}
	if err := checkPort(s.LocalPort, true); err != nil {
		return &ConfigError{Field: "local_port", Err: err}
	}
	if s.UpstreamHost != "" {
		if err := checkPort(s.UpstreamPort, false); err != nil {
			return &ConfigError{Field: "upstream_port", Err: err}
		}
	}
	if s.SuccessTTL <= 0 {
		return &ConfigError{Field: "success_ttl", Err: errors.New("must be > 0")}
	}
	if s.FailTTL <= 0 {
		return &ConfigError{Field: "fail_ttl", Err: errors.New("must be > 0")}
	}
	if _, err := ParseTCPKeepAlive(s.TCPKeepAlive); err != nil {
		return &ConfigError{Field: "tcp_keepalive", Err: err}
	}

	for _, t := range []struct {
		field string
		d     Duration
	}{
		{"timeouts.head", s.Timeouts.Head},
		{"timeouts.io", s.Timeouts.IO},
		{"timeouts.connect_dial", s.Timeouts.ConnectDial},
		{"timeouts.http_dial", s.Timeouts.HTTPDial},
		{"timeouts.upstream", s.Timeouts.Upstream},
		{"timeouts.relay_idle", s.Timeouts.RelayIdle},
		{"timeouts.shutdown_grace", s.Timeouts.ShutdownGrace},
	} {
		if t.d <= 0 {
			return &ConfigError{Field: t.field, Err: errors.New("must be > 0")}
		}
	}
	return nil
}

func checkPort(p int, allowZero bool) error {
	if p < 0 || p > 65535 || (p == 0 && !allowZero) {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

// ListenAddr returns the local listen address.
func (s *Settings) ListenAddr() string {
	return net.JoinHostPort(s.LocalHost, strconv.Itoa(s.LocalPort))
}

// UpstreamURL returns the upstream as a dialer URL, or "" when disabled.
func (s *Settings) UpstreamURL() string {
	if s.UpstreamHost == "" {
		return ""
	}
	return "socks5://" + net.JoinHostPort(s.UpstreamHost, strconv.Itoa(s.UpstreamPort))
}

// ProxyConfig validates s and builds the proxy configuration, including the
// upstream dialer. The caller supplies the event sink.
func (s *Settings) ProxyConfig() (proxy.Config, error) {
	if err := s.Validate(); err != nil {
		return proxy.Config{}, err
	}

	ka, err := ParseTCPKeepAlive(s.TCPKeepAlive)
	if err != nil {
		return proxy.Config{}, &ConfigError{Field: "tcp_keepalive", Err: err}
	}

	upstream, err := dialer.New(dialer.Config{
		DialTimeout:        time.Duration(s.Timeouts.Upstream),
		NegotiationTimeout: time.Duration(s.Timeouts.Upstream),
		IOTimeout:          time.Duration(s.Timeouts.IO),
		KeepAlive:          ka,
	}, s.UpstreamURL())
	if err != nil {
		return proxy.Config{}, &ConfigError{Field: "upstream", Err: err}
	}

	return proxy.Config{
		Listen:             s.ListenAddr(),
		Upstream:           upstream,
		BypassList:         s.BypassList.List(),
		ProxyList:          s.ProxyList.List(),
		SuccessTTL:         time.Duration(s.SuccessTTL),
		FailTTL:            time.Duration(s.FailTTL),
		HeadTimeout:        time.Duration(s.Timeouts.Head),
		IOTimeout:          time.Duration(s.Timeouts.IO),
		ConnectDialTimeout: time.Duration(s.Timeouts.ConnectDial),
		HTTPDialTimeout:    time.Duration(s.Timeouts.HTTPDial),
		RelayIdleTimeout:   time.Duration(s.Timeouts.RelayIdle),
		ShutdownGrace:      time.Duration(s.Timeouts.ShutdownGrace),
		KeepAlive:          ka,
	}, nil
}
