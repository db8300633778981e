package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "dev":
		return devTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `[xmpp]
host = "push.example.com"
port = 5222
resource = "AndroidpnClient"
connect_timeout = "10s"
request_timeout = "10s"

[xmpp.tls]
ca_file = ""
server_name = ""
insecure_skip_verify = false

[device]
imsi = "460000001232300"
imei = "324234343434434"

[backoff]
initial = "10s"
max = "10m"
multiplier = 2.0
jitter = true

[pool]
workers = 1
backlog = 64

[store]
path = "pnclient-state.toml"

[admin]
addr = "127.0.0.1:8089"
cors_origins = ["http://localhost:3000"]
token = ""
`

const devTemplate = `[xmpp]
host = "127.0.0.1"
port = 5222
service_name = "localhost"
connect_timeout = "3s"
request_timeout = "5s"

[xmpp.tls]
insecure_skip_verify = true

[backoff]
initial = "1s"
max = "30s"

[store]
path = "pnclient-dev-state.toml"

[admin]
addr = "127.0.0.1:8089"
cors_origins = ["*"]
`
