// Package tlstest mints a throwaway CA and leaf certificates on disk so
// tests can run real TLS between channel endpoints.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

type Authority struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caPath string
}

// Pair is a mutual-TLS fixture: one CA, a loopback server leaf and a
// client leaf, all as file paths.
type Pair struct {
	CAFile     string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// NewPair writes a complete mutual-TLS fixture under t.TempDir().
func NewPair(t testing.TB) Pair {
	t.Helper()
	ca := NewAuthority(t, t.TempDir(), "nyxrpc-test-ca")
	serverCert, serverKey := ca.IssueLoopbackServerCert(t, ca.dir)
	clientCert, clientKey := ca.IssueClientCert(t, ca.dir, "nyxrpc-test-client")
	return Pair{
		CAFile:     ca.CAFile(),
		ServerCert: serverCert,
		ServerKey:  serverKey,
		ClientCert: clientCert,
		ClientKey:  clientKey,
	}
}

func NewAuthority(t testing.TB, dir string, commonName string) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := leafTemplate(commonName)
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLen = 1

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("tlstest: self-sign %s: %v", commonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	a := &Authority{dir: dir, cert: cert, key: key, caPath: filepath.Join(dir, "ca.crt")}
	mustWritePEM(t, a.caPath, "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string { return a.caPath }

// IssueLoopbackServerCert covers localhost and 127.0.0.1.
func (a *Authority) IssueLoopbackServerCert(t testing.TB, dir string) (certFile, keyFile string) {
	t.Helper()
	return a.IssueServerCert(t, dir, "loopback", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
}

func (a *Authority) IssueServerCert(t testing.TB, dir string, commonName string, dnsNames []string, ips []net.IP) (certFile, keyFile string) {
	t.Helper()
	tmpl := leafTemplate(commonName)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	tmpl.DNSNames = dnsNames
	tmpl.IPAddresses = ips
	return a.sign(t, dir, tmpl)
}

func (a *Authority) IssueClientCert(t testing.TB, dir string, commonName string) (certFile, keyFile string) {
	t.Helper()
	tmpl := leafTemplate(commonName)
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return a.sign(t, dir, tmpl)
}

func (a *Authority) sign(t testing.TB, dir string, tmpl *x509.Certificate) (string, string) {
	t.Helper()
	key := newKey(t)
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", tmpl.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key: %v", err)
	}
	base := filepath.Join(dir, fileBase(tmpl.Subject.CommonName))
	mustWritePEM(t, base+".crt", "CERTIFICATE", der, 0o644)
	mustWritePEM(t, base+".key", "EC PRIVATE KEY", keyDER, 0o600)
	return base + ".crt", base + ".key"
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}

func leafTemplate(commonName string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
}

func mustWritePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}

func fileBase(commonName string) string {
	s := strings.TrimSpace(commonName)
	if s == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
