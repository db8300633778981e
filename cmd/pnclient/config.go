package main

import (
	"github.com/danmuck/pnclient/internal/client"
	"github.com/danmuck/pnclient/internal/config"
	"github.com/danmuck/pnclient/internal/xmpp"
)

// clientConfig maps a loaded file config onto the manager's runtime config.
func clientConfig(fc config.ClientConfig) client.Config {
	return client.Config{
		XMPP: xmpp.Config{
			Host:           fc.XMPP.Host,
			Port:           fc.XMPP.Port,
			ServiceName:    fc.XMPP.ServiceName,
			ConnectTimeout: fc.XMPP.ConnectTimeoutDuration(),
			RequestTimeout: fc.XMPP.RequestTimeoutDuration(),
			TLS: xmpp.TLSConfig{
				CAFile:             fc.XMPP.TLS.CAFile,
				ServerName:         fc.XMPP.TLS.ServerName,
				InsecureSkipVerify: fc.XMPP.TLS.InsecureSkipVerify,
			},
		},
		Resource: fc.XMPP.Resource,
		Device: client.Device{
			IMSI: fc.Device.IMSI,
			IMEI: fc.Device.IMEI,
		},
		Backoff: client.BackoffConfig{
			InitialDelay: fc.Backoff.InitialDuration(),
			Multiplier:   fc.Backoff.Multiplier,
			MaxDelay:     fc.Backoff.MaxDuration(),
			Jitter:       fc.Backoff.JitterEnabled(),
		},
		Workers: fc.Pool.Workers,
		Backlog: fc.Pool.Backlog,
	}
}
