package xmpp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort           = 5222
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config addresses one push server. ServiceName is the XMPP domain written
// into the stream header and defaults to Host.
type Config struct {
	Host           string
	Port           int
	ServiceName    string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TLS            TLSConfig
}

func (c Config) WithDefaults() Config {
	c.Host = strings.TrimSpace(c.Host)
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = c.Host
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	return nil
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		serverName = c.Host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("xmpp: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
