package aproto

import (
	"crypto/md5"
	"crypto/rsa"
	"encoding"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"strings"
)

// https://cs.android.com/android/platform/superproject/main/+/main:system/core/libcrypto_utils/android_pubkey.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da

const (
	// Size of an RSA modulus such as an encrypted block or a signature.
	PublicKeyModulusSize = 2048 / 8
	// Size of an encoded RSA key.
	PublicKeyEncodedSize = 3*4 + 2*PublicKeyModulusSize
)

// Android's custom RSA public key binary format. Public keys are stored as a
// sequence of little-endian 32 bit words.
type PublicKey struct {
	// Modulus length. This must be ANDROID_PUBKEY_MODULUS_SIZE.
	ModulusSizeWords uint32
	// Precomputed montgomery parameter: -1 / n[0] mod 2^32
	N0Inv uint32
	// RSA modulus as a little-endian array.
	Modulus [PublicKeyModulusSize]byte
	// Montgomery parameter R^2 as a little-endian array.
	RR [PublicKeyModulusSize]byte
	// RSA modulus: 3 or 65537
	Exponent uint32
}

var (
	_ encoding.BinaryUnmarshaler = (*PublicKey)(nil)
	_ encoding.BinaryAppender    = (*PublicKey)(nil)
	_ encoding.BinaryMarshaler   = (*PublicKey)(nil)
)

// NewPublicKey converts a Go RSA key into an Android pubkey, pre-computing the
// montgomery parameters the device uses to verify signatures.
func NewPublicKey(pub *rsa.PublicKey) (*PublicKey, error) {
	var k PublicKey

	if n := pub.Size(); n != PublicKeyModulusSize {
		return nil, fmt.Errorf("unsupported modulus size %d", n)
	}
	if pub.N.Bit(0) == 0 {
		return nil, fmt.Errorf("modulus must be odd")
	}
	k.ModulusSizeWords = PublicKeyModulusSize / 4

	// -1 / n[0] mod 2^32
	k.N0Inv = n0inv(uint32(new(big.Int).And(pub.N, big.NewInt(0xFFFFFFFF)).Uint64()))

	pub.N.FillBytes(k.Modulus[:])
	slices.Reverse(k.Modulus[:])

	// R^2 mod n, where R = 2^(modulus bits)
	rr := new(big.Int).Lsh(big.NewInt(1), PublicKeyModulusSize*8*2)
	rr.Mod(rr, pub.N).FillBytes(k.RR[:])
	slices.Reverse(k.RR[:])

	k.Exponent = uint32(pub.E)

	return &k, nil
}

// n0inv computes -(n0^-1) mod 2^32 for an odd n0 using the extended Euclidean
// algorithm. The negation matches what android_pubkey_encode stores.
func n0inv(n0 uint32) uint32 {
	var (
		a, b   int64 = 1 << 32, int64(n0)
		x0, x1 int64 = 0, 1
	)
	for b != 0 {
		q := a / b
		a, b = b, a-q*b
		x0, x1 = x1, x0-q*x1
	}
	return uint32(-x0)
}

// GoPublicKey converts k to a Go RSA key. The pre-computed parameters are
// ignored.
func GoPublicKey(k *PublicKey) *rsa.PublicKey {
	m := k.Modulus
	slices.Reverse(m[:])
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(m[:]),
		E: int(k.Exponent),
	}
}

// UnmarshalBinary decodes an encoded pubkey. The pre-computed parameters are
// not verified. This is the inverse of MarshalBinary/AppendBinary.
func (k *PublicKey) UnmarshalBinary(buf []byte) error {
	if len(buf) != PublicKeyEncodedSize {
		return fmt.Errorf("incorrect pubkey length")
	}
	*k = PublicKey{
		ModulusSizeWords: binary.LittleEndian.Uint32(buf[0:]),
		N0Inv:            binary.LittleEndian.Uint32(buf[4:]),
		Modulus:          [PublicKeyModulusSize]byte(buf[8:]),
		RR:               [PublicKeyModulusSize]byte(buf[8+PublicKeyModulusSize:]),
		Exponent:         binary.LittleEndian.Uint32(buf[8+PublicKeyModulusSize*2:]),
	}
	return nil
}

// AppendBinary encodes a pubkey. The pre-computed parameters are not verified.
// This is the inverse of UnmarshalBinary.
func (k *PublicKey) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, PublicKeyEncodedSize)
	b = binary.LittleEndian.AppendUint32(b, k.ModulusSizeWords)
	b = binary.LittleEndian.AppendUint32(b, k.N0Inv)
	b = append(b, k.Modulus[:]...)
	b = append(b, k.RR[:]...)
	b = binary.LittleEndian.AppendUint32(b, k.Exponent)
	return b, nil
}

// MarshalBinary is like AppendBinary.
func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(nil)
}

// Fingerprint gets the MD5 fingerprint of the pubkey.
func (k *PublicKey) Fingerprint() string {
	var s strings.Builder
	s.Grow(md5.Size*3 - 1)
	b, _ := k.AppendBinary(nil)
	for i, c := range md5.Sum(b) {
		if i != 0 {
			s.WriteByte(':')
		}
		s.WriteByte("0123456789ABCDEF"[(c>>4)&0xf])
		s.WriteByte("0123456789ABCDEF"[c&0xf])
	}
	return s.String()
}
