package mesh

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrCredential indicates unreadable or unparsable key material. Fatal
// to the reconciliation run, not to the process.
var ErrCredential = errors.New("credential")

// LoadPrivateKey resolves the configured private key (inline PEM or a
// file path), parses it and derives the matching public key PEM for
// the local authentication block.
func LoadPrivateKey(material string) (keyPEM, pubPEM string, err error) {
	keyPEM = material
	if !strings.HasPrefix(strings.TrimSpace(material), "-----BEGIN") {
		raw, err := os.ReadFile(material)
		if err != nil {
			return "", "", fmt.Errorf("%w: read key file: %v", ErrCredential, err)
		}
		keyPEM = string(raw)
	}

	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return "", "", fmt.Errorf("%w: no PEM block in key material", ErrCredential)
	}

	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCredential, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return "", "", fmt.Errorf("%w: key type %T cannot derive a public key", ErrCredential, key)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return "", "", fmt.Errorf("%w: encode public key: %v", ErrCredential, err)
	}

	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return keyPEM, string(pub), nil
}

// parsePrivateKey tries the PEM encodings found in the wild: PKCS#8
// first, then the legacy SEC1 and PKCS#1 forms.
func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding")
}
