package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Curve names as they appear in AUTHENTICATION frames.
const (
	CurveP521   = "secp521r1"
	CurveP384   = "secp384r1"
	CurveP256   = "prime256v1"
	CurveX25519 = "x25519"

	DefaultCurve = CurveP521
)

// Cipher names as they appear in AUTHENTICATION frames.
const (
	CipherAES256GCM        = "aes-256-gcm"
	CipherChaCha20Poly1305 = "chacha20-poly1305"

	DefaultCipher = CipherAES256GCM
)

// keyAgreement is one ephemeral key exchange algorithm.
type keyAgreement interface {
	generate() (private, public []byte, err error)
	shared(private, peerPublic []byte) ([]byte, error)
}

var curves = map[string]keyAgreement{
	CurveP521:   nistCurve{ecdh.P521()},
	CurveP384:   nistCurve{ecdh.P384()},
	CurveP256:   nistCurve{ecdh.P256()},
	CurveX25519: x25519{},
}

var ciphers = map[string]func(key []byte) (cipher.AEAD, error){
	CipherAES256GCM: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	},
	CipherChaCha20Poly1305: chacha20poly1305.New,
}

// SupportedCurve reports whether name is a known curve.
func SupportedCurve(name string) bool {
	_, ok := curves[name]
	return ok
}

// SupportedCipher reports whether name is a known cipher.
func SupportedCipher(name string) bool {
	_, ok := ciphers[name]
	return ok
}

// Curves lists the supported curve names in sorted order.
func Curves() []string { return names(curves) }

// Ciphers lists the supported cipher names in sorted order.
func Ciphers() []string { return names(ciphers) }

func names[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// nistCurve uses uncompressed SEC1 public keys.
type nistCurve struct {
	c ecdh.Curve
}

func (n nistCurve) generate() ([]byte, []byte, error) {
	key, err := n.c.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return key.Bytes(), key.PublicKey().Bytes(), nil
}

func (n nistCurve) shared(private, peerPublic []byte) ([]byte, error) {
	key, err := n.c.NewPrivateKey(private)
	if err != nil {
		return nil, err
	}
	peer, err := n.c.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key.ECDH(peer)
}

type x25519 struct{}

func (x25519) generate() ([]byte, []byte, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

func (x25519) shared(private, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: x25519 key is %d bytes", ErrInvalidPublicKey, len(peerPublic))
	}
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return shared, nil
}
