// Package config loads and validates the agent's Settings from CLI flags, an
// optional YAML file, and environment variables.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a setting is not supplied by any source.
const (
	DefaultProtocol       = "http"
	DefaultPort           = 3000
	DefaultDashboardPort  = 4040
	DefaultTimeout        = 30 * time.Second
	DefaultMaxReconnects  = 0
	DefaultMaxConnections = 64
	DefaultLogLevel       = "info"
)

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Settings is the immutable configuration consumed by the Coordination
// Fabric at startup. Once Load returns, no field is mutated.
type Settings struct {
	// RemoteURL is the control-channel endpoint of the remote proxy.
	RemoteURL string

	// Token authenticates the agent to the remote proxy.
	Token string

	// Protocol is the scheme used to reach the local origin: "http" or
	// "https".
	Protocol string

	// LocalPort is the TCP port of the local origin on 127.0.0.1.
	LocalPort int

	// Timeout bounds a single local-origin call end to end.
	Timeout time.Duration

	// VerifySSL, when true, validates the local origin's TLS certificate.
	VerifySSL bool

	// MaxReconnects caps consecutive failed reconnection attempts; 0 means
	// unlimited.
	MaxReconnects int

	// DashboardPort is the listen port for the dashboard HTTP server.
	DashboardPort int

	// DashboardEnabled controls whether the dashboard server is started.
	DashboardEnabled bool

	// MaxConnections bounds concurrent in-flight requests and the capacity
	// of the forwarder-in and control-out streams.
	MaxConnections int

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error".
	LogLevel string
}

// LocalOrigin returns the local HTTP origin URL the agent forwards requests
// against.
func (s Settings) LocalOrigin() string {
	return fmt.Sprintf("%s://127.0.0.1:%d", s.Protocol, s.LocalPort)
}

// fileConfig mirrors the optional YAML config file named by --config/--yml.
// Every field is a pointer so an absent key can be told apart from an
// explicit zero value; a file value never clobbers a flag that was actually
// passed on the command line.
type fileConfig struct {
	URL            *string `yaml:"url"`
	Token          *string `yaml:"token"`
	Protocol       *string `yaml:"protocol"`
	Port           *int    `yaml:"port"`
	DashboardPort  *int    `yaml:"dashboard_port"`
	NoDashboard    *bool   `yaml:"no_dashboard"`
	LogLevel       *string `yaml:"log_level"`
	TimeoutMS      *int    `yaml:"timeout_ms"`
	MaxReconnects  *int    `yaml:"max_reconnects"`
	VerifySSL      *bool   `yaml:"verify_ssl"`
	MaxConnections *int    `yaml:"max_connections"`
}

// Load parses the CLI flags in args, optionally layers in a YAML file named
// by --config or --yml, falls back to environment variables for the remote
// URL and token, applies defaults, and validates the result. getenv is
// injected so tests never depend on the process environment; pass nil in
// production code to use os.Getenv.
//
// Precedence, highest first: explicit flag, config file field, environment
// variable, built-in default.
func Load(args []string, getenv func(string) string) (*Settings, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	fs := flag.NewFlagSet("pori", flag.ContinueOnError)
	var (
		fURL            = fs.String("url", "", "remote proxy control-channel URL")
		fToken          = fs.String("token", "", "authentication token")
		fProtocol       = fs.String("protocol", "", "local origin protocol (http or https)")
		fPort           = fs.Int("port", 0, "local origin port")
		fDashboardPort  = fs.Int("dashboard-port", 0, "dashboard HTTP port")
		fLogLevel       = fs.String("log-level", "", "log level (debug, info, warn, error)")
		fConfig         = fs.String("config", "", "path to a YAML config file")
		fYML            = fs.String("yml", "", "path to a YAML config file (alias for --config)")
		fNoDashboard    = fs.Bool("no-dashboard", false, "disable the dashboard HTTP server")
		fTimeout        = fs.Int("timeout", 0, "per-request timeout in milliseconds")
		fMaxReconnects  = fs.Int("max-reconnects", -1, "maximum reconnection attempts (0 = unlimited)")
		fVerifySSL      = fs.Bool("verify-ssl", false, "verify TLS certificates presented by the local origin")
		fMaxConnections = fs.Int("max-connections", 0, "maximum concurrent in-flight requests")
	)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var fc fileConfig
	path := *fConfig
	if path == "" {
		path = *fYML
	}
	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		fc = *loaded
	}

	s := &Settings{}

	s.RemoteURL = firstNonEmpty(*fURL, derefString(fc.URL), getenv("PORI_URL"))
	s.Token = firstNonEmpty(*fToken, derefString(fc.Token), getenv("PORI_TOKEN"))
	s.Protocol = firstNonEmpty(*fProtocol, derefString(fc.Protocol), DefaultProtocol)
	s.LogLevel = firstNonEmpty(*fLogLevel, derefString(fc.LogLevel), DefaultLogLevel)

	if set["port"] {
		s.LocalPort = *fPort
	} else if fc.Port != nil {
		s.LocalPort = *fc.Port
	} else {
		s.LocalPort = DefaultPort
	}

	if set["dashboard-port"] {
		s.DashboardPort = *fDashboardPort
	} else if fc.DashboardPort != nil {
		s.DashboardPort = *fc.DashboardPort
	} else {
		s.DashboardPort = DefaultDashboardPort
	}

	switch {
	case set["no-dashboard"]:
		s.DashboardEnabled = !*fNoDashboard
	case fc.NoDashboard != nil:
		s.DashboardEnabled = !*fc.NoDashboard
	default:
		s.DashboardEnabled = true
	}

	if set["timeout"] {
		s.Timeout = time.Duration(*fTimeout) * time.Millisecond
	} else if fc.TimeoutMS != nil {
		s.Timeout = time.Duration(*fc.TimeoutMS) * time.Millisecond
	} else {
		s.Timeout = DefaultTimeout
	}

	switch {
	case set["max-reconnects"]:
		s.MaxReconnects = *fMaxReconnects
	case fc.MaxReconnects != nil:
		s.MaxReconnects = *fc.MaxReconnects
	default:
		s.MaxReconnects = DefaultMaxReconnects
	}

	switch {
	case set["verify-ssl"]:
		s.VerifySSL = *fVerifySSL
	case fc.VerifySSL != nil:
		s.VerifySSL = *fc.VerifySSL
	default:
		s.VerifySSL = false
	}

	if set["max-connections"] {
		s.MaxConnections = *fMaxConnections
	} else if fc.MaxConnections != nil {
		s.MaxConnections = *fc.MaxConnections
	} else {
		s.MaxConnections = DefaultMaxConnections
	}

	if err := validate(s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// loadFile reads and parses the YAML config file at path.
func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", path, err)
	}
	return &fc, nil
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values, joining every failure found
// rather than stopping at the first.
func validate(s *Settings) error {
	var errs []error

	if s.RemoteURL == "" {
		errs = append(errs, errors.New("url is required (--url, config file, or PORI_URL)"))
	} else if u, err := url.Parse(s.RemoteURL); err != nil {
		errs = append(errs, fmt.Errorf("url is not a valid URL: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("url scheme %q must be one of: ws, wss, http, https", u.Scheme))
	}

	if s.Token == "" {
		errs = append(errs, errors.New("token is required (--token, config file, or PORI_TOKEN)"))
	}

	if s.Protocol != "http" && s.Protocol != "https" {
		errs = append(errs, fmt.Errorf("protocol %q must be one of: http, https", s.Protocol))
	}

	if s.LocalPort < 1 || s.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("port %d must be between 1 and 65535", s.LocalPort))
	}

	if s.DashboardEnabled && (s.DashboardPort < 1 || s.DashboardPort > 65535) {
		errs = append(errs, fmt.Errorf("dashboard_port %d must be between 1 and 65535", s.DashboardPort))
	}

	if !validLogLevels[strings.ToLower(s.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", s.LogLevel))
	}

	if s.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must not be negative", s.Timeout))
	}

	if s.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("max_reconnects %d must not be negative", s.MaxReconnects))
	}

	if s.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections %d must be at least 1", s.MaxConnections))
	}

	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
