package certutil

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSigned(t *testing.T) {
	cert, err := GenerateSelfSigned("example.test", "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, []string{"example.test"}, cert.Leaf.DNSNames)
	require.Len(t, cert.Leaf.IPAddresses, 1)
	assert.True(t, cert.Leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")))
	assert.True(t, cert.Leaf.NotAfter.After(time.Now()))

	assert.NoError(t, cert.Leaf.VerifyHostname("example.test"))
}

func TestGenerateSelfSigned_Defaults(t *testing.T) {
	cert, err := GenerateSelfSigned()
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)

	_, err = cert.Leaf.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   pool,
	})
	assert.NoError(t, err)
	assert.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}
