package aproto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"
)

// ParsePublicKey parses an ADB public key in the adbkey.pub format.
func ParsePublicKey(buf []byte) (key *PublicKey, name string, err error) {
	// A_AUTH payloads are NUL-terminated
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}

	// split on space or tab
	for i, b := range buf {
		if b == ' ' || b == '\t' {
			name = string(buf[i+1:])
			buf = buf[:i]
			break
		}
	}

	// check length
	if act, exp := len(buf), base64.StdEncoding.EncodedLen(PublicKeyEncodedSize); act != exp {
		return nil, name, fmt.Errorf("incorrect encoded pubkey length (act=%d exp=%d)", act, exp)
	}

	// decode pubkey base64
	var tmp [PublicKeyEncodedSize]byte
	if _, err := base64.StdEncoding.Decode(tmp[:], buf); err != nil {
		return nil, name, err
	}

	// decode pubkey
	key = new(PublicKey)
	if err := key.UnmarshalBinary(tmp[:]); err != nil {
		return nil, name, err
	}
	return key, name, err
}

// AppendPublicKey formats an ADB public key.
func AppendPublicKey(b []byte, key *PublicKey, name string) []byte {
	tmp, _ := key.AppendBinary(nil) // will never error
	b = base64.StdEncoding.AppendEncode(b, tmp)
	if name != "" {
		b = append(b, ' ')
		b = append(b, name...)
	}
	return b
}

// AuthPublicKey builds the A_AUTH RSA public key payload for a private key:
// the base64 pubkey, a space and the name, then a NUL terminator.
func AuthPublicKey(der []byte, name string) ([]byte, error) {
	raw, err := DerivePublicKey(der)
	if err != nil {
		return nil, err
	}
	var key PublicKey
	if err := key.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return append(AppendPublicKey(nil, &key, name), 0), nil
}

// Certificate creates a TLS certificate for A_STLS from a PKCS#8 private key.
func Certificate(der []byte) (*tls.Certificate, error) {
	if _, _, err := ParsePrivateKey(der); err != nil {
		return nil, err
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	pkey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa key", ErrInvalidKey)
	}
	raw, err := GenerateCertificate(pkey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{raw},
		PrivateKey:  pkey,
		Leaf:        cert,
	}, nil
}

// GenerateCertificate generates a self-signed certificate for an ADB key, in
// the same form adb uses for both ends of a TLS connection.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/crypto/x509_generator.cpp;l=34-122;drc=61197364367c9e404c7da6900658f1b16c42d0da
func GenerateCertificate(pkey *rsa.PrivateKey) ([]byte, error) {
	cert := &x509.Certificate{
		Version: 2,

		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Now().Add(time.Second * time.Duration(10*365*24*60*60)),

		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"Android"},
			CommonName:   "Adb",
		},

		BasicConstraintsValid: true,
		IsCA:                  true,

		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId: []byte("hash"),
	}
	return x509.CreateCertificate(rand.Reader, cert, cert, &pkey.PublicKey, pkey)
}
