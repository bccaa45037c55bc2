package aproto

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// ErrInvalidKey is returned when a private key doesn't have the layout of a
// 2048-bit RSA key with e=65537 encoded as PKCS#8.
var ErrInvalidKey = errors.New("invalid adb private key")

// The private key is not parsed as ASN.1; the fields are found at the offsets
// they always have for PKCS#8-encoded 2048-bit keys with e=65537:
//
//	30 82 xx xx                             PrivateKeyInfo
//	02 01 00                                  version
//	30 0d 06 09 2a 86 48 86 f7 0d 01 01 01 05 00  rsaEncryption
//	04 82 xx xx                               privateKey
//	30 82 xx xx                                 RSAPrivateKey
//	02 01 00                                      version
//	02 82 01 01 00 <256 bytes>                    modulus    (offset 33)
//	02 03 01 00 01                                publicExponent (offset 294)
//	02 82 01 00 <256 bytes>                       privateExponent (offset 299)
const (
	keyModulusOffset   = 33
	keyExponentOffset  = keyModulusOffset + 5 + PublicKeyModulusSize
	keyPrivateOffset   = keyExponentOffset + 5
	keyPublicExponent  = 65537
	keyMinEncodedSize  = keyPrivateOffset + 3 + PublicKeyModulusSize - 1
	signatureMaxLength = PublicKeyModulusSize - 3 - sha1DigestInfoSize - 8
	sha1DigestInfoSize = 15
)

var (
	keyModulusHeader  = []byte{0x02, 0x82, 0x01, 0x01, 0x00}
	keyExponentHeader = []byte{0x02, 0x03, 0x01, 0x00, 0x01}
)

// sha1DigestInfo is the DER prefix of a DigestInfo for a SHA-1 digest.
var sha1DigestInfo = []byte{0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14}

// ParsePrivateKey extracts the modulus and private exponent from a PKCS#8 DER
// 2048-bit RSA private key.
func ParsePrivateKey(der []byte) (n, d *big.Int, err error) {
	if len(der) < keyMinEncodedSize {
		return nil, nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidKey, len(der))
	}
	if !bytes.Equal(der[keyModulusOffset:][:len(keyModulusHeader)], keyModulusHeader) {
		return nil, nil, fmt.Errorf("%w: modulus is not 2048 bits", ErrInvalidKey)
	}
	if !bytes.Equal(der[keyExponentOffset:][:len(keyExponentHeader)], keyExponentHeader) {
		return nil, nil, fmt.Errorf("%w: public exponent is not 65537", ErrInvalidKey)
	}
	n = new(big.Int).SetBytes(der[keyModulusOffset+len(keyModulusHeader):][:PublicKeyModulusSize])

	// d is usually 256 bytes, but it can be shorter, or have a leading zero
	b := der[keyPrivateOffset:]
	if b[0] != 0x02 {
		return nil, nil, fmt.Errorf("%w: private exponent is not an integer", ErrInvalidKey)
	}
	var dlen, doff int
	switch b[1] {
	case 0x81:
		dlen, doff = int(b[2]), 3
	case 0x82:
		dlen, doff = int(b[2])<<8|int(b[3]), 4
	default:
		return nil, nil, fmt.Errorf("%w: unexpected private exponent length", ErrInvalidKey)
	}
	if dlen < PublicKeyModulusSize-1 || dlen > PublicKeyModulusSize+1 || len(b) < doff+dlen {
		return nil, nil, fmt.Errorf("%w: unexpected private exponent length %d", ErrInvalidKey, dlen)
	}
	d = new(big.Int).SetBytes(b[doff : doff+dlen])
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return nil, nil, fmt.Errorf("%w: private exponent out of range", ErrInvalidKey)
	}
	return n, d, nil
}

// DerivePublicKey derives the binary Android public key (see [PublicKey]) from
// a private key.
func DerivePublicKey(der []byte) ([]byte, error) {
	n, _, err := ParsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	k, err := NewPublicKey(&rsa.PublicKey{N: n, E: keyPublicExponent})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return k.AppendBinary(nil)
}

// Sign signs data (usually an A_AUTH token) using PKCS#1 v1.5 padding with a
// SHA-1 DigestInfo prefix. The data is not hashed first; adbd treats the token
// itself as the digest.
func Sign(der, data []byte) ([]byte, error) {
	n, d, err := ParsePrivateKey(der)
	if err != nil {
		return nil, err
	}
	if len(data) > signatureMaxLength {
		return nil, fmt.Errorf("data too long to sign (%d > %d)", len(data), signatureMaxLength)
	}

	em := make([]byte, PublicKeyModulusSize)
	em[0] = 0x00
	em[1] = 0x01
	ps := em[2 : len(em)-1-len(sha1DigestInfo)-len(data)]
	for i := range ps {
		ps[i] = 0xFF
	}
	em[2+len(ps)] = 0x00
	copy(em[3+len(ps):], sha1DigestInfo)
	copy(em[3+len(ps)+len(sha1DigestInfo):], data)

	m := new(big.Int).SetBytes(em)
	return modPow(m, d, n).FillBytes(make([]byte, PublicKeyModulusSize)), nil
}

// modPow computes base^exp mod m with left-to-right square-and-multiply.
func modPow(base, exp, m *big.Int) *big.Int {
	r := big.NewInt(1)
	b := new(big.Int).Mod(base, m)
	for i := exp.BitLen() - 1; i >= 0; i-- {
		r.Mul(r, r).Mod(r, m)
		if exp.Bit(i) != 0 {
			r.Mul(r, b).Mod(r, m)
		}
	}
	return r
}

// GenerateKey generates a new 2048-bit RSA key.
func GenerateKey(rand io.Reader) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand, PublicKeyModulusSize*8)
	if err != nil {
		return nil, err
	}
	if key.E != keyPublicExponent {
		return nil, fmt.Errorf("unexpected public exponent %d", key.E)
	}
	return key, nil
}

// MarshalPrivateKey encodes key as PKCS#8 DER, checking that it can be read by
// [ParsePrivateKey].
func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	if _, _, err := ParsePrivateKey(der); err != nil {
		return nil, err
	}
	return der, nil
}
