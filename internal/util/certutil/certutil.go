/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package certutil generates throwaway interception CAs and revocation lists, shaped
// like the files a TLS-intercepting proxy leaves in its configuration directory.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCRL         = "X509 CRL"
)

// CA is a self-signed certificate authority.
type CA struct {
	key      *ecdsa.PrivateKey
	rootCert *x509.Certificate
}

// NewCA creates a CA valid for one hour around now.
func NewCA() (*CA, error) {
	tmpl := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   "cvex interception CA",
			Organization: []string{"Use in test only!"},
		},
		SerialNumber:          big.NewInt(123),
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}

	// Self-signed CA templates get a generated SubjectKeyId, required to sign CRLs.
	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("signing CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	return &CA{key: key, rootCert: cert}, nil
}

// Certificate returns the parsed root certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.rootCert
}

// Cert returns the root certificate in PEM format.
func (ca *CA) Cert() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: ca.rootCert.Raw})
}

// CertDER returns the root certificate in DER format.
func (ca *CA) CertDER() []byte {
	out := make([]byte, len(ca.rootCert.Raw))
	copy(out, ca.rootCert.Raw)
	return out
}

// CRL returns an empty revocation list signed by the CA, in DER format.
func (ca *CA) CRL() ([]byte, error) {
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-1 * time.Hour),
		NextUpdate: time.Now().Add(1 * time.Hour),
	}

	raw, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.rootCert, ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing revocation list: %w", err)
	}
	return raw, nil
}

// CRLPEM returns CRL in PEM format.
func (ca *CA) CRLPEM() ([]byte, error) {
	raw, err := ca.CRL()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCRL, Bytes: raw}), nil
}

// WriteFiles writes the PEM certificate and the DER revocation list to dir under
// certName and crlName and returns their paths.
func (ca *CA) WriteFiles(dir, certName, crlName string) (certPath, crlPath string, err error) {
	crl, err := ca.CRL()
	if err != nil {
		return "", "", err
	}

	certPath = filepath.Join(dir, certName)
	if err := os.WriteFile(certPath, ca.Cert(), 0o600); err != nil {
		return "", "", err
	}

	crlPath = filepath.Join(dir, crlName)
	if err := os.WriteFile(crlPath, crl, 0o600); err != nil {
		return "", "", err
	}

	return certPath, crlPath, nil
}
