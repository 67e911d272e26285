package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCertPair generates a self-signed ECDSA cert/key pair and writes
// PEM-encoded files for LoadIdentity to read.
func writeTestCertPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "proxy-mitm-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certFile, keyFile
}

func TestLoadIdentity_ServesCertificateViaServerConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertPair(t, dir)

	id, err := LoadIdentity(certFile, keyFile, nil)
	require.NoError(t, err)
	defer id.Close()

	cert := id.Certificate()
	assert.NotEmpty(t, cert.Certificate)

	sc := id.ServerConfig()
	got, err := sc.GetCertificate(nil)
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], got.Certificate[0])
}

func TestLoadIdentity_MissingFileReturnsError(t *testing.T) {
	_, err := LoadIdentity("/nonexistent/cert.pem", "/nonexistent/key.pem", nil)
	assert.Error(t, err)
}

func TestIdentity_Close_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertPair(t, dir)

	id, err := LoadIdentity(certFile, keyFile, nil)
	require.NoError(t, err)

	assert.NoError(t, id.Close())
	assert.NoError(t, id.Close())
}
