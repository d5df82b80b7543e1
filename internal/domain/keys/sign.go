package keys

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Sign signs data with the active private key using PKCS#1 v1.5 over
// SHA-256 and reports which key was used.
func (m *Manager) Sign(ctx context.Context, data []byte) (keyID string, sig []byte, err error) {
	kp, err := m.ActiveKey(ctx)
	if err != nil {
		return "", nil, err
	}
	digest := sha256.Sum256(data)
	sig, err = rsa.SignPKCS1v15(m.rand, kp.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", nil, fmt.Errorf("sign: %w", err)
	}
	return kp.ID, sig, nil
}

// Verify checks a PKCS#1 v1.5 SHA-256 signature.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// VerifyPEM is Verify with a PEM encoded SubjectPublicKeyInfo key.
func VerifyPEM(publicPEM, data, sig []byte) error {
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		return err
	}
	return Verify(pub, data, sig)
}

// ParsePublicKeyPEM parses a "PUBLIC KEY" PEM block holding an RSA key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", key)
	}
	return pub, nil
}

// ParsePrivateKeyPEM parses a PKCS#8 "PRIVATE KEY" PEM block holding an RSA key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", key)
	}
	return priv, nil
}
