// Package testingx contains testing extensions
package testingx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ooni/tlsproxy/model"
	"github.com/youmark/pkcs8"
	"golang.org/x/sys/unix"
)

// KeyPair is a throwaway certificate and private key written to disk.
type KeyPair struct {
	CertFile string
	KeyFile  string
	Cert     *x509.Certificate
	Key      *ecdsa.PrivateKey
}

// NewKeyPair generates a self-signed certificate for localhost and
// writes it, along with its PKCS#8 private key, inside dir.
func NewKeyPair(t testing.TB, dir string) *KeyPair {
	t.Helper()
	key := newKey(t)
	der, err := pkcs8.MarshalPrivateKey(key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return writeKeyPair(t, dir, key, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// NewEncryptedKeyPair is like NewKeyPair but encrypts the private key
// using passphrase.
func NewEncryptedKeyPair(t testing.TB, dir string, passphrase []byte) *KeyPair {
	t.Helper()
	key := newKey(t)
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, &pkcs8.Opts{
		Cipher: pkcs8.AES256CBC,
		KDFOpts: pkcs8.PBKDF2Opts{
			SaltSize:       8,
			IterationCount: 1000,
			HMACHash:       crypto.SHA256,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return writeKeyPair(t, dir, key, &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func writeKeyPair(t testing.TB, dir string, key *ecdsa.PrivateKey, keyBlock *pem.Block) *KeyPair {
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	kp := &KeyPair{
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
		Cert:     cert,
		Key:      key,
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(kp.CertFile, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(kp.KeyFile, pem.EncodeToMemory(keyBlock), 0600); err != nil {
		t.Fatal(err)
	}
	return kp
}

// ClientConfig returns a client configuration trusting kp.
func (kp *KeyPair) ClientConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(kp.Cert)
	return &tls.Config{RootCAs: pool, ServerName: "localhost"}
}

// Socketpair returns two connected stream sockets. The first one
// plays the role of the pre-accepted connection.
func Socketpair(t testing.TB) (net.Conn, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	return fileConn(t, fds[0], "server"), fileConn(t, fds[1], "client")
}

func fileConn(t testing.TB, fd int, name string) net.Conn {
	file := os.NewFile(uintptr(fd), name)
	defer file.Close()
	conn, err := FileConn(file)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

// FileConn returns a net.Conn using a duplicate of file's descriptor.
func FileConn(file *os.File) (net.Conn, error) {
	return net.FileConn(file)
}

// Recorder is a model.Handler saving all measurements.
type Recorder struct {
	measurements []model.Measurement
	mu           sync.Mutex
}

// OnMeasurement saves the measurement.
func (r *Recorder) OnMeasurement(m model.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.measurements = append(r.measurements, m)
}

// Measurements returns a copy of the saved measurements.
func (r *Recorder) Measurements() []model.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Measurement(nil), r.measurements...)
}
