package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"time"
)

// CertInfo holds certificate information
type CertInfo struct {
	CertPath   string
	KeyPath    string
	Subject    string
	Issuer     string
	DNSNames   []string
	IPs        []net.IP
	NotBefore  time.Time
	NotAfter   time.Time
	DaysLeft   int
	SelfSigned bool
	Exists     bool
}

// ReadCertInfo parses the PEM certificate at certPath. A missing cert or key
// is reported through Exists, not as an error.
func ReadCertInfo(certPath, keyPath string, now time.Time) (*CertInfo, error) {
	info := &CertInfo{CertPath: certPath, KeyPath: keyPath}

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return info, nil
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return info, nil
	}
	info.Exists = true

	certData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read cert file: %w", err)
	}
	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	info.Subject = cert.Subject.CommonName
	info.Issuer = cert.Issuer.CommonName
	info.DNSNames = cert.DNSNames
	info.IPs = cert.IPAddresses
	info.NotBefore = cert.NotBefore
	info.NotAfter = cert.NotAfter
	info.DaysLeft = int(cert.NotAfter.Sub(now).Hours() / 24)
	info.SelfSigned = cert.Subject.String() == cert.Issuer.String()
	return info, nil
}

// Expired reports whether the certificate is past NotAfter at now.
func (i *CertInfo) Expired(now time.Time) bool {
	return i.Exists && now.After(i.NotAfter)
}
