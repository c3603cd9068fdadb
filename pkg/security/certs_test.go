package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testCA generates a minimal self-signed CA and a leaf certificate signed by
// it, entirely in memory, so these tests exercise the file-management
// helpers in certs.go without depending on any certificate-authority package.
func testCA(t *testing.T) (caCert *x509.Certificate, caKey *rsa.PrivateKey) {
	t.Helper()
	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetagent test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	caCert, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}
	return caCert, caKey
}

func testLeafCert(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, notAfter time.Time) *tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate leaf key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create leaf certificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse leaf certificate: %v", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

func TestSaveLoadCertToFile(t *testing.T) {
	ca, caKey := testCA(t)
	cert := testLeafCert(t, ca, caKey, "worker-test-node", time.Now().Add(90*24*time.Hour))

	tmpCertDir, err := os.MkdirTemp("", "fleetagent-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("Certificate file should exist")
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Error("Key file should exist")
	}

	loadedCert, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}
	if loadedCert.Leaf.Subject.CommonName != cert.Leaf.Subject.CommonName {
		t.Errorf("Loaded cert CN mismatch: expected %s, got %s",
			cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	ca, _ := testCA(t)

	tmpCertDir, err := os.MkdirTemp("", "fleetagent-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	if err := SaveCACertToFile(ca.Raw, tmpCertDir); err != nil {
		t.Fatalf("Failed to save CA certificate: %v", err)
	}

	caPath := filepath.Join(tmpCertDir, "ca.crt")
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load CA certificate: %v", err)
	}
	if !loadedCACert.Equal(ca) {
		t.Error("Loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "fleetagent-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	if CertExists(tmpDir) {
		t.Error("Certificate should not exist initially")
	}

	certPath := filepath.Join(tmpDir, "node.crt")
	keyPath := filepath.Join(tmpDir, "node.key")
	caPath := filepath.Join(tmpDir, "ca.crt")

	_ = os.WriteFile(certPath, []byte("cert"), 0600)
	_ = os.WriteFile(keyPath, []byte("key"), 0600)
	_ = os.WriteFile(caPath, []byte("ca"), 0600)

	if !CertExists(tmpDir) {
		t.Error("Certificate should exist after creating files")
	}

	os.Remove(keyPath)

	if CertExists(tmpDir) {
		t.Error("Certificate should not exist with missing key file")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{name: "Cert expiring in 1 day - needs rotation", notAfter: time.Now().Add(24 * time.Hour), needsRot: true},
		{name: "Cert expiring in 29 days - needs rotation", notAfter: time.Now().Add(29 * 24 * time.Hour), needsRot: true},
		{name: "Cert expiring in 31 days - no rotation needed", notAfter: time.Now().Add(31 * 24 * time.Hour), needsRot: false},
		{name: "Cert expiring in 60 days - no rotation needed", notAfter: time.Now().Add(60 * 24 * time.Hour), needsRot: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			if needsRot := CertNeedsRotation(cert); needsRot != tt.needsRot {
				t.Errorf("Expected needsRotation=%v, got %v", tt.needsRot, needsRot)
			}
		})
	}

	if !CertNeedsRotation(nil) {
		t.Error("Nil certificate should need rotation")
	}
}

func TestGetCertExpiry(t *testing.T) {
	expectedExpiry := time.Now().Add(90 * 24 * time.Hour)
	cert := &x509.Certificate{NotAfter: expectedExpiry}

	if expiry := GetCertExpiry(cert); !expiry.Equal(expectedExpiry) {
		t.Errorf("Expected expiry %v, got %v", expectedExpiry, expiry)
	}
	if nilExpiry := GetCertExpiry(nil); !nilExpiry.IsZero() {
		t.Error("Nil certificate should return zero time")
	}
}

func TestGetCertTimeRemaining(t *testing.T) {
	expectedRemaining := 45 * 24 * time.Hour
	cert := &x509.Certificate{NotAfter: time.Now().Add(expectedRemaining)}

	remaining := GetCertTimeRemaining(cert)
	diff := remaining - expectedRemaining
	if diff < -time.Second || diff > time.Second {
		t.Errorf("Expected remaining ~%v, got %v (diff: %v)", expectedRemaining, remaining, diff)
	}

	if nilRemaining := GetCertTimeRemaining(nil); nilRemaining != 0 {
		t.Error("Nil certificate should return zero duration")
	}
}

func TestValidateCertChain(t *testing.T) {
	ca, caKey := testCA(t)
	cert := testLeafCert(t, ca, caKey, "worker-test-node", time.Now().Add(90*24*time.Hour))

	if err := ValidateCertChain(cert.Leaf, ca); err != nil {
		t.Errorf("Certificate chain validation failed: %v", err)
	}
	if err := ValidateCertChain(nil, ca); err == nil {
		t.Error("Validation should fail with nil certificate")
	}
	if err := ValidateCertChain(cert.Leaf, nil); err == nil {
		t.Error("Validation should fail with nil CA")
	}
}

func TestGetCertInfo(t *testing.T) {
	ca, caKey := testCA(t)
	cert := testLeafCert(t, ca, caKey, "worker-test-node", time.Now().Add(90*24*time.Hour))

	info := GetCertInfo(cert.Leaf)
	if info["subject"] != "worker-test-node" {
		t.Errorf("Expected subject 'worker-test-node', got %v", info["subject"])
	}
	if info["is_ca"] != false {
		t.Error("Node certificate should not be a CA")
	}

	nilInfo := GetCertInfo(nil)
	if _, hasError := nilInfo["error"]; !hasError {
		t.Error("Info for nil certificate should contain error")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		role    string
		agentID string
	}{
		{"listener", "agent1"},
		{"worker", "agent2"},
	}

	for _, tt := range tests {
		t.Run(tt.role+"-"+tt.agentID, func(t *testing.T) {
			certDir, err := GetCertDir(tt.role, tt.agentID)
			if err != nil {
				t.Fatalf("Failed to get cert dir: %v", err)
			}
			expected := tt.role + "-" + tt.agentID
			if filepath.Base(certDir) != expected {
				t.Errorf("Expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}

func TestGetLocalCertDir(t *testing.T) {
	certDir, err := GetLocalCertDir()
	if err != nil {
		t.Fatalf("Failed to get local cert dir: %v", err)
	}
	if filepath.Base(certDir) != "cli" {
		t.Errorf("Expected cert dir to end with 'cli', got %s", filepath.Base(certDir))
	}
}

func TestRemoveCerts(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "fleetagent-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)

	if err := RemoveCerts(tmpDir); err != nil {
		t.Fatalf("Failed to remove certificates: %v", err)
	}
	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Error("Certificate directory should not exist after removal")
	}
}

func TestClientServerTLSConfigRoundTrip(t *testing.T) {
	ca, caKey := testCA(t)
	serverCert := testLeafCert(t, ca, caKey, "listener.local", time.Now().Add(90*24*time.Hour))
	clientCert := testLeafCert(t, ca, caKey, "worker-test-node", time.Now().Add(90*24*time.Hour))

	serverDir, err := os.MkdirTemp("", "fleetagent-cert-test-server-*")
	if err != nil {
		t.Fatalf("failed to create server cert dir: %v", err)
	}
	defer os.RemoveAll(serverDir)
	clientDir, err := os.MkdirTemp("", "fleetagent-cert-test-client-*")
	if err != nil {
		t.Fatalf("failed to create client cert dir: %v", err)
	}
	defer os.RemoveAll(clientDir)

	if err := SaveCertToFile(serverCert, serverDir); err != nil {
		t.Fatalf("failed to save server cert: %v", err)
	}
	if err := SaveCACertToFile(ca.Raw, serverDir); err != nil {
		t.Fatalf("failed to save CA cert to server dir: %v", err)
	}
	if err := SaveCertToFile(clientCert, clientDir); err != nil {
		t.Fatalf("failed to save client cert: %v", err)
	}
	if err := SaveCACertToFile(ca.Raw, clientDir); err != nil {
		t.Fatalf("failed to save CA cert to client dir: %v", err)
	}

	serverCfg, err := NewServerTLSConfig(serverDir)
	if err != nil {
		t.Fatalf("NewServerTLSConfig() error = %v", err)
	}
	if serverCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("server TLS config must require client certificates")
	}

	clientCfg, err := NewClientTLSConfig(clientDir, "listener.local")
	if err != nil {
		t.Fatalf("NewClientTLSConfig() error = %v", err)
	}
	if len(clientCfg.Certificates) != 1 {
		t.Error("client TLS config must present its certificate")
	}
}
