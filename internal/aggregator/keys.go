package aggregator

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
)

// Key material arrives from the environment in whatever shape the operator
// exported it: raw PEM, base64-wrapped PEM, or base64 DER. All are accepted.

// ParsePrivateKey decodes an RSA private key from PEM, base64-wrapped PEM, or
// base64 DER in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(raw string) (*rsa.PrivateKey, error) {
	der, err := keyDER(raw)
	if err != nil {
		return nil, err
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("aggregator: private key is not PKCS#1 or PKCS#8 RSA")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("aggregator: PKCS#8 key is not RSA")
	}
	return key, nil
}

// ParsePublicKey decodes an RSA public key from PEM, base64-wrapped PEM, or
// base64 DER in SPKI or PKCS#1 form.
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	der, err := keyDER(raw)
	if err != nil {
		return nil, err
	}

	if parsed, err := x509.ParsePKIXPublicKey(der); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("aggregator: SPKI key is not RSA")
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, errors.New("aggregator: public key is not SPKI or PKCS#1 RSA")
	}
	return key, nil
}

// keyDER normalizes the accepted input shapes down to raw DER bytes.
func keyDER(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("aggregator: empty key material")
	}

	if strings.Contains(trimmed, "-----BEGIN") {
		return pemToDER(trimmed)
	}

	decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(trimmed))
	if err != nil {
		return nil, errors.New("aggregator: key is neither PEM nor base64")
	}

	// The base64 payload may itself be a PEM document.
	if strings.Contains(string(decoded), "-----BEGIN") {
		return pemToDER(string(decoded))
	}
	return decoded, nil
}

func pemToDER(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("aggregator: malformed PEM block")
	}
	return block.Bytes, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}
