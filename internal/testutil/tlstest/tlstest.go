// Package tlstest issues throwaway certificates for loopback TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caPath string
}

func NewAuthority(t testing.TB, dir string, commonName string) *Authority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	caPath := filepath.Join(dir, "ca.crt")
	if err := writePEM(caPath, "CERTIFICATE", der, 0o644); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}
	return &Authority{cert: cert, key: key, caPath: caPath}
}

func (a *Authority) CAFile() string {
	return a.caPath
}

// IssueServerCert writes a server certificate and key signed by the
// authority and returns their paths.
func (a *Authority) IssueServerCert(t testing.TB, dir string, commonName string, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create signed cert: %v", err)
	}

	base := sanitize(commonName)
	certPath := filepath.Join(dir, fmt.Sprintf("%s.crt", base))
	keyPath := filepath.Join(dir, fmt.Sprintf("%s.key", base))
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

// LoopbackServerConfig issues a certificate valid for localhost and
// 127.0.0.1 and returns a server TLS config plus the CA file clients trust.
func LoopbackServerConfig(t testing.TB) (*tls.Config, string) {
	t.Helper()
	dir := t.TempDir()
	ca := NewAuthority(t, dir, "pnclient-test-ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "localhost", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}, ca.CAFile()
}

func writePEM(path string, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, perm)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
