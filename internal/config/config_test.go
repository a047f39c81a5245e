package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pori-dev/pori/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func noEnv(string) string { return "" }

func TestLoad_FlagsOnly(t *testing.T) {
	s, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "secret-token",
		"--port", "3000",
		"--protocol", "http",
	}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RemoteURL != "wss://proxy.example.com/tunnel" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
	if s.Token != "secret-token" {
		t.Errorf("Token = %q", s.Token)
	}
	if s.LocalPort != 3000 {
		t.Errorf("LocalPort = %d, want 3000", s.LocalPort)
	}
	if s.LocalOrigin() != "http://127.0.0.1:3000" {
		t.Errorf("LocalOrigin = %q", s.LocalOrigin())
	}
}

func TestLoad_Defaults(t *testing.T) {
	s, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "secret-token",
	}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Protocol != config.DefaultProtocol {
		t.Errorf("Protocol = %q, want %q", s.Protocol, config.DefaultProtocol)
	}
	if s.LocalPort != config.DefaultPort {
		t.Errorf("LocalPort = %d, want %d", s.LocalPort, config.DefaultPort)
	}
	if s.DashboardPort != config.DefaultDashboardPort {
		t.Errorf("DashboardPort = %d, want %d", s.DashboardPort, config.DefaultDashboardPort)
	}
	if !s.DashboardEnabled {
		t.Error("DashboardEnabled = false, want true by default")
	}
	if s.Timeout != config.DefaultTimeout {
		t.Errorf("Timeout = %s, want %s", s.Timeout, config.DefaultTimeout)
	}
	if s.MaxReconnects != config.DefaultMaxReconnects {
		t.Errorf("MaxReconnects = %d, want %d", s.MaxReconnects, config.DefaultMaxReconnects)
	}
	if s.MaxConnections != config.DefaultMaxConnections {
		t.Errorf("MaxConnections = %d, want %d", s.MaxConnections, config.DefaultMaxConnections)
	}
	if s.LogLevel != config.DefaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", s.LogLevel, config.DefaultLogLevel)
	}
	if s.VerifySSL {
		t.Error("VerifySSL = true, want false by default")
	}
}

func TestLoad_EnvFallback(t *testing.T) {
	env := map[string]string{
		"PORI_URL":   "wss://proxy.example.com/tunnel",
		"PORI_TOKEN": "env-token",
	}
	s, err := config.Load(nil, func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RemoteURL != "wss://proxy.example.com/tunnel" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
	if s.Token != "env-token" {
		t.Errorf("Token = %q", s.Token)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	env := map[string]string{
		"PORI_URL":   "wss://env.example.com/tunnel",
		"PORI_TOKEN": "env-token",
	}
	s, err := config.Load([]string{
		"--url", "wss://flag.example.com/tunnel",
	}, func(key string) string { return env[key] })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RemoteURL != "wss://flag.example.com/tunnel" {
		t.Errorf("RemoteURL = %q, want flag value to win", s.RemoteURL)
	}
	if s.Token != "env-token" {
		t.Errorf("Token = %q, want env fallback", s.Token)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeTemp(t, `
url: "wss://proxy.example.com/tunnel"
token: "file-token"
port: 8080
dashboard_port: 9090
log_level: debug
timeout_ms: 5000
max_reconnects: 10
max_connections: 16
verify_ssl: true
`)
	s, err := config.Load([]string{"--config", path}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RemoteURL != "wss://proxy.example.com/tunnel" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
	if s.Token != "file-token" {
		t.Errorf("Token = %q", s.Token)
	}
	if s.LocalPort != 8080 {
		t.Errorf("LocalPort = %d, want 8080", s.LocalPort)
	}
	if s.DashboardPort != 9090 {
		t.Errorf("DashboardPort = %d, want 9090", s.DashboardPort)
	}
	if s.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", s.LogLevel)
	}
	if s.Timeout != 5*time.Second {
		t.Errorf("Timeout = %s, want 5s", s.Timeout)
	}
	if s.MaxReconnects != 10 {
		t.Errorf("MaxReconnects = %d, want 10", s.MaxReconnects)
	}
	if s.MaxConnections != 16 {
		t.Errorf("MaxConnections = %d, want 16", s.MaxConnections)
	}
	if !s.VerifySSL {
		t.Error("VerifySSL = false, want true")
	}
}

func TestLoad_YMLAliasForConfig(t *testing.T) {
	path := writeTemp(t, `
url: "wss://proxy.example.com/tunnel"
token: "file-token"
`)
	s, err := config.Load([]string{"--yml", path}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.RemoteURL != "wss://proxy.example.com/tunnel" {
		t.Errorf("RemoteURL = %q", s.RemoteURL)
	}
}

func TestLoad_FlagOverridesYAMLFile(t *testing.T) {
	path := writeTemp(t, `
url: "wss://file.example.com/tunnel"
token: "file-token"
port: 8080
`)
	s, err := config.Load([]string{"--config", path, "--port", "9000"}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.LocalPort != 9000 {
		t.Errorf("LocalPort = %d, want flag value 9000", s.LocalPort)
	}
	if s.RemoteURL != "wss://file.example.com/tunnel" {
		t.Errorf("RemoteURL = %q, want file value to survive", s.RemoteURL)
	}
}

func TestLoad_NoDashboard(t *testing.T) {
	s, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "t",
		"--no-dashboard",
	}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.DashboardEnabled {
		t.Error("DashboardEnabled = true, want false with --no-dashboard")
	}
}

func TestLoad_ZeroTimeoutIsExplicit(t *testing.T) {
	s, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "t",
		"--timeout", "0",
	}, noEnv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Timeout != 0 {
		t.Errorf("Timeout = %s, want 0 (explicit)", s.Timeout)
	}
}

func TestLoad_MissingURL(t *testing.T) {
	_, err := config.Load([]string{"--token", "t"}, noEnv)
	if err == nil {
		t.Fatal("expected error for missing url, got nil")
	}
	if !strings.Contains(err.Error(), "url is required") {
		t.Errorf("error %q does not mention missing url", err.Error())
	}
}

func TestLoad_MissingToken(t *testing.T) {
	_, err := config.Load([]string{"--url", "wss://proxy.example.com/tunnel"}, noEnv)
	if err == nil {
		t.Fatal("expected error for missing token, got nil")
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error %q does not mention missing token", err.Error())
	}
}

func TestLoad_InvalidURLScheme(t *testing.T) {
	_, err := config.Load([]string{
		"--url", "ftp://proxy.example.com/tunnel",
		"--token", "t",
	}, noEnv)
	if err == nil {
		t.Fatal("expected error for invalid scheme, got nil")
	}
	if !strings.Contains(err.Error(), "scheme") {
		t.Errorf("error %q does not mention scheme", err.Error())
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "t",
		"--log-level", "verbose",
	}, noEnv)
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoad_PortOutOfRange(t *testing.T) {
	_, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "t",
		"--port", "70000",
	}, noEnv)
	if err == nil {
		t.Fatal("expected error for out-of-range port, got nil")
	}
	if !strings.Contains(err.Error(), "port") {
		t.Errorf("error %q does not mention port", err.Error())
	}
}

func TestLoad_NegativeMaxReconnects(t *testing.T) {
	_, err := config.Load([]string{
		"--url", "wss://proxy.example.com/tunnel",
		"--token", "t",
		"--max-reconnects", "-5",
	}, noEnv)
	if err == nil {
		t.Fatal("expected error for negative max_reconnects, got nil")
	}
	if !strings.Contains(err.Error(), "max_reconnects") {
		t.Errorf("error %q does not mention max_reconnects", err.Error())
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.Load([]string{"--config", missingPath}, noEnv)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.Load([]string{"--config", path}, noEnv)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
