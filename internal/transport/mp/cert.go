package mp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"log"
	"math/big"
	"time"
)

// generateLoopbackCert creates a throwaway self-signed TLS
// certificate for the coordinator's QUIC listener. Peers connect with
// InsecureSkipVerify (tlsClientConfig) because the rendezvous never
// leaves loopback and carries no secret beyond per-step timing
// floats; a real cluster deployment would supply a provisioned
// certificate instead.
func generateLoopbackCert() tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Panicf("mp: generate loopback key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		log.Panicf("mp: create loopback cert: %v", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}
