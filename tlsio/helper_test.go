package tlsio

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/momentics/hioload-io/buffer"
)

// selfSignedConfig builds a minimal in-memory cert for loopback tests.
func selfSignedConfig(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	leaf, _ := x509.ParseCertificate(der)
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}
	return serverCfg, clientCfg
}

func TestHandshakeAndApplicationDataRoundTrip(t *testing.T) {
	serverCfg, clientCfg := selfSignedConfig(t)

	var mu sync.Mutex
	var clientGotPlaintext, serverGotPlaintext bytes.Buffer
	handshakeErrs := make(chan error, 2)

	var client, server *Helper
	client = New(clientCfg, true, 1, nil,
		func(ct []byte) { _ = server.FeedCiphertext(ct) },
		func(pt []byte) { mu.Lock(); clientGotPlaintext.Write(pt); mu.Unlock() },
		func(err error) { handshakeErrs <- err },
	)
	server = New(serverCfg, false, 2, nil,
		func(ct []byte) { _ = client.FeedCiphertext(ct) },
		func(pt []byte) { mu.Lock(); serverGotPlaintext.Write(pt); mu.Unlock() },
		func(err error) { handshakeErrs <- err },
	)

	for i := 0; i < 2; i++ {
		select {
		case err := <-handshakeErrs:
			if err != nil {
				t.Fatalf("handshake failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("handshake timed out")
		}
	}

	if err := server.EncryptWrite(buffer.Wrap([]byte("hello"))); err != nil {
		t.Fatalf("EncryptWrite() = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got := clientGotPlaintext.String()
		mu.Unlock()
		if got == "hello" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("client plaintext = %q, want hello", got)
		case <-time.After(10 * time.Millisecond):
		}
	}

	_ = client.Close()
	_ = server.Close()
}
