package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pnclient/internal/config"
)

func TestClientConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pnclient.toml")
	raw := `
[xmpp]
host = "push.example.com"
port = 5223
resource = "Kiosk"
connect_timeout = "3s"

[xmpp.tls]
ca_file = "/etc/pnclient/ca.pem"

[device]
imsi = "111"

[backoff]
initial = "2s"
max = "1m"
multiplier = 3.0
jitter = false

[pool]
backlog = 8
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fc, err := config.LoadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	cfg := clientConfig(fc)
	if cfg.XMPP.Host != "push.example.com" || cfg.XMPP.Port != 5223 {
		t.Fatalf("unexpected server: %s:%d", cfg.XMPP.Host, cfg.XMPP.Port)
	}
	if cfg.XMPP.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.XMPP.ConnectTimeout)
	}
	if cfg.XMPP.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.XMPP.RequestTimeout)
	}
	if cfg.XMPP.TLS.CAFile != "/etc/pnclient/ca.pem" {
		t.Fatalf("unexpected ca file: %q", cfg.XMPP.TLS.CAFile)
	}
	if cfg.Resource != "Kiosk" {
		t.Fatalf("unexpected resource: %q", cfg.Resource)
	}
	if cfg.Device.IMSI != "111" {
		t.Fatalf("unexpected imsi: %q", cfg.Device.IMSI)
	}
	if cfg.Backoff.InitialDelay != 2*time.Second || cfg.Backoff.MaxDelay != time.Minute {
		t.Fatalf("unexpected backoff bounds: %+v", cfg.Backoff)
	}
	if cfg.Backoff.Multiplier != 3 || cfg.Backoff.Jitter {
		t.Fatalf("unexpected backoff shape: %+v", cfg.Backoff)
	}
	if cfg.Workers != 1 || cfg.Backlog != 8 {
		t.Fatalf("unexpected pool: workers=%d backlog=%d", cfg.Workers, cfg.Backlog)
	}
	if err := cfg.Backoff.Validate(); err != nil {
		t.Fatalf("converted backoff invalid: %v", err)
	}

	defaulted := cfg.WithDefaults()
	if defaulted.Device.IMEI == "" {
		t.Fatalf("expected default imei")
	}
}
