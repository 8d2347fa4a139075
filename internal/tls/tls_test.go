package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mail.bridge.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil {
		t.Fatal("certificate is nil")
	}

	// Parse the leaf certificate to inspect it
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	if leaf.Subject.CommonName != "mail.bridge.example" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "mail.bridge.example")
	}
	for _, name := range []string{"localhost", "mail.bridge.example"} {
		if !slices.Contains(leaf.DNSNames, name) {
			t.Errorf("DNS SANs: %v does not contain %s", leaf.DNSNames, name)
		}
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("VerifyHostname(127.0.0.1): %v", err)
	}

	// Verify validity period (approximately 1 year)
	validDuration := leaf.NotAfter.Sub(leaf.NotBefore)
	expectedDuration := 365 * 24 * time.Hour
	if validDuration < expectedDuration-time.Hour || validDuration > expectedDuration+time.Hour {
		t.Errorf("validity duration: got %v, want approximately %v", validDuration, expectedDuration)
	}

	// Verify the key is ECDSA P-256
	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if ecKey.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", ecKey.Curve.Params().Name)
	}

	// Verify the certificate is self-signed
	if err := leaf.CheckSignatureFrom(leaf); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}
}

func TestGenerateSelfSignedCert_IPHostname(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("192.0.2.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if err := leaf.VerifyHostname("192.0.2.1"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
	if slices.Contains(leaf.DNSNames, "192.0.2.1") {
		t.Errorf("IP hostname should not be a DNS SAN: %v", leaf.DNSNames)
	}
}

func TestGenerateSelfSignedCert_DefaultsToLocalhost(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want localhost", leaf.Subject.CommonName)
	}
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	tlsConfig, err := LoadOrGenerateTLS("", "", "mail.bridge.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig == nil {
		t.Fatal("TLS config is nil")
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != standardtls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2 (%d)", tlsConfig.MinVersion, standardtls.VersionTLS12)
	}
}

func TestLoadOrGenerateTLS_FromFiles(t *testing.T) {
	t.Parallel()

	certPEM, keyPEM, err := selfSignedPEM("files.example", time.Now())
	if err != nil {
		t.Fatalf("selfSignedPEM: %v", err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	tlsConfig, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf, err := x509.ParseCertificate(tlsConfig.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	if leaf.Subject.CommonName != "files.example" {
		t.Errorf("CN: got %q, want the certificate from disk", leaf.Subject.CommonName)
	}
}

func TestLoadOrGenerateTLS_Errors(t *testing.T) {
	t.Parallel()

	if _, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
	if _, err := LoadOrGenerateTLS("/etc/cert.pem", "", ""); !errors.Is(err, ErrIncompleteKeyPair) {
		t.Errorf("cert without key: got %v, want ErrIncompleteKeyPair", err)
	}
	if _, err := LoadOrGenerateTLS("", "/etc/key.pem", ""); !errors.Is(err, ErrIncompleteKeyPair) {
		t.Errorf("key without cert: got %v, want ErrIncompleteKeyPair", err)
	}
}
