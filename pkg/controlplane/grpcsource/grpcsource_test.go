package grpcsource

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetagent/pkg/controlplane"
	"github.com/cuemby/fleetagent/pkg/security"
	"github.com/cuemby/fleetagent/pkg/types"
)

// testMTLSPair generates an in-memory CA and a server/client certificate
// pair signed by it, and saves both to temp directories in the layout
// pkg/security expects, so this test exercises the real certificate-file
// plumbing rather than passing tls.Certificate values around directly.
func testMTLSPair(t *testing.T) (serverDir, clientDir string) {
	t.Helper()

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "grpcsource test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leaf := func(cn string) *tls.Certificate {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(2),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
			DNSNames:     []string{cn},
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)
		parsed, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: parsed}
	}

	serverDir, err = os.MkdirTemp("", "grpcsource-server-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(serverDir) })
	clientDir, err = os.MkdirTemp("", "grpcsource-client-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(clientDir) })

	require.NoError(t, security.SaveCertToFile(leaf("127.0.0.1"), serverDir))
	require.NoError(t, security.SaveCACertToFile(caDER, serverDir))
	require.NoError(t, security.SaveCertToFile(leaf("worker-test"), clientDir))
	require.NoError(t, security.SaveCACertToFile(caDER, clientDir))

	return serverDir, clientDir
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestGrpcSourceEndToEnd(t *testing.T) {
	serverDir, clientDir := testMTLSPair(t)

	serverTLS, err := security.NewServerTLSConfig(serverDir)
	require.NoError(t, err)
	clientTLS, err := security.NewClientTLSConfig(clientDir, "127.0.0.1")
	require.NoError(t, err)

	addr := freeAddr(t)
	backend := NewBackend()
	srv, err := Serve(addr, serverTLS, backend)
	require.NoError(t, err)
	defer srv.Stop()

	var conn *SourceClient
	require.Eventually(t, func() bool {
		c, err := Dial(addr, clientTLS)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := conn.CreateSession(ctx, "agent-1", "pool-1")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)
	assert.NotEmpty(t, sess.Token)

	require.NoError(t, conn.KeepAlive(ctx, sess))

	// No message queued yet.
	msg, err := conn.GetNext(ctx, sess)
	require.NoError(t, err)
	assert.Nil(t, msg)

	job := &types.JobRequest{JobID: "job-1", JobDisplayName: "build"}
	backend.Enqueue(&controlplane.Message{
		ID:   "msg-1",
		Kind: controlplane.MessageKindJobRequest,
		Body: mustMarshal(t, job),
	})

	msg, err = conn.GetNext(ctx, sess)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, controlplane.MessageKindJobRequest, msg.Kind)

	decoded, err := msg.DecodeJobRequest()
	require.NoError(t, err)
	assert.Equal(t, "job-1", decoded.JobID)

	require.NoError(t, conn.Delete(ctx, sess, msg.ID))
	require.NoError(t, conn.Complete(ctx, sess, decoded, types.ResultSucceeded))

	records := []*types.TimelineRecord{{ID: "job-1", Name: "job-1", Result: types.ResultSucceeded}}
	require.NoError(t, conn.UploadTimeline(ctx, "timeline-1", records))

	uploaded := backend.Timeline("timeline-1")
	require.Len(t, uploaded, 1)
	assert.Equal(t, types.ResultSucceeded, uploaded[0].Result)

	require.NoError(t, conn.DeleteSession(ctx, sess))
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
