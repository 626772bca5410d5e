package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupNeedsCertificates(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = Setup(Config{Enabled: true, Dir: dir})
	assert.Error(t, err, "auto_generate off")

	_, err = Setup(Config{Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")})
	assert.Error(t, err)
}

func TestResolveVersions(t *testing.T) {
	minV, maxV := resolveTLSVersions(Config{})
	assert.Equal(t, uint16(tls.VersionTLS13), minV)
	assert.Equal(t, uint16(tls.VersionTLS13), maxV)

	minV, maxV = resolveTLSVersions(Config{MinVersion: "1.2"})
	assert.Equal(t, uint16(tls.VersionTLS12), minV)
	assert.Equal(t, uint16(tls.VersionTLS13), maxV)

	minV, maxV = resolveTLSVersions(Config{MinVersion: "1.3", MaxVersion: "1.2"})
	assert.Equal(t, uint16(tls.VersionTLS13), minV)
	assert.Equal(t, uint16(tls.VersionTLS13), maxV)
}

func TestSafeReadFileStaysInBase(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(p, []byte("ok"), 0o600))
	b, err := safeReadFile(dir, p)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))

	_, err = safeReadFile(filepath.Join(dir, "sub"), p)
	assert.Error(t, err)
}

func TestAutoGeneratedCertificateServes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	srvCfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	require.NotNil(t, srvCfg)
	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	})}
	go func() { _ = srv.Serve(tls.NewListener(ln, srvCfg)) }()
	defer func() { _ = srv.Close() }()

	ca, err := os.ReadFile(CACertPath(dir))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}}}

	resp, err := client.Get("https://" + ln.Addr().String())
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hello", string(body))

	// second setup reuses the existing pair
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	assert.Equal(t, before, after)
}
