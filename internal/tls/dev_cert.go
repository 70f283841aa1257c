package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/util"
)

type DevCertGenerator struct {
	cacheDir string
}

func NewDevCertGenerator(cacheDir string) *DevCertGenerator {
	if cacheDir == "" {
		cacheDir = "./certs"
	}
	return &DevCertGenerator{cacheDir: cacheDir}
}

// GenerateCert returns a self-signed certificate covering the given
// hosts, reusing the cached pair when it is still valid.
func (g *DevCertGenerator) GenerateCert(hosts []string) (tls.Certificate, error) {
	certPath := filepath.Join(g.cacheDir, "dev-cert.pem")
	keyPath := filepath.Join(g.cacheDir, "dev-key.pem")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		if g.isCertValid(cert) {
			util.Debug("using cached development certificate")
			return cert, nil
		}
	}

	util.Info("generating development certificate", zap.Strings("hosts", hosts))

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %v", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Realtime Gateway Development"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	if err := os.MkdirAll(g.cacheDir, 0700); err == nil {
		if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
			util.Warn("could not cache development certificate", zap.Error(err))
		}
		if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
			util.Warn("could not cache development key", zap.Error(err))
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %v", err)
	}

	return cert, nil
}

func (g *DevCertGenerator) isCertValid(cert tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return false
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}

	// Regenerate when within a week of expiry.
	return time.Now().Add(7 * 24 * time.Hour).Before(parsed.NotAfter)
}
