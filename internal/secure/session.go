// Package secure holds the per-connection crypto state: an ephemeral key
// pair, the ECDH-derived session secret, authenticated encryption of frame
// payloads and the HMAC proof exchanged during synchronization.
//
// A Session is owned by exactly one connection and is not safe for
// concurrent use.
package secure

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// NonceSize is the length of the per-message IV.
const NonceSize = 12

// SecretSize is the length of the derived session secret.
const SecretSize = sha256.Size

var (
	ErrUnsupportedCurve     = errors.New("secure: unsupported curve")
	ErrUnsupportedCipher    = errors.New("secure: unsupported cipher")
	ErrInvalidPublicKey     = errors.New("secure: invalid peer public key")
	ErrNoKeyPair            = errors.New("secure: key pair not generated")
	ErrNoSecret             = errors.New("secure: secret not derived")
	ErrSecretAlreadyDerived = errors.New("secure: secret already derived")
	ErrAuthenticationFailed = errors.New("secure: message authentication failed")
)

// Session is the crypto state of one connection.
type Session struct {
	curve  string
	cipher string

	private []byte
	public  []byte
	peer    []byte

	secret []byte
	aead   cipher.AEAD
}

// NewSession validates the curve and cipher names and returns an empty
// session for them.
func NewSession(curve, cipherName string) (*Session, error) {
	if !SupportedCurve(curve) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurve, curve)
	}
	if !SupportedCipher(cipherName) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, cipherName)
	}
	return &Session{curve: curve, cipher: cipherName}, nil
}

func (s *Session) Curve() string  { return s.curve }
func (s *Session) Cipher() string { return s.cipher }

// PublicKey returns the exportable local public key, or nil before
// GenerateKeyPair.
func (s *Session) PublicKey() []byte { return s.public }

// PeerPublicKey returns the peer key the secret was derived from.
func (s *Session) PeerPublicKey() []byte { return s.peer }

// Ready reports whether the session secret has been derived.
func (s *Session) Ready() bool { return s.secret != nil }

// GenerateKeyPair creates a fresh ephemeral key pair on the session's curve,
// replacing any previous one, and returns the public key. It must not be
// called after the secret has been derived.
func (s *Session) GenerateKeyPair() ([]byte, error) {
	if s.secret != nil {
		return nil, ErrSecretAlreadyDerived
	}
	private, public, err := curves[s.curve].generate()
	if err != nil {
		return nil, fmt.Errorf("secure: generate %s key: %w", s.curve, err)
	}
	s.private, s.public = private, public
	return public, nil
}

// DeriveSecret computes the ECDH shared value with the peer's public key and
// hashes it into the 32-byte session secret. It succeeds at most once.
func (s *Session) DeriveSecret(peerPublicKey []byte) error {
	if s.secret != nil {
		return ErrSecretAlreadyDerived
	}
	if s.private == nil {
		return ErrNoKeyPair
	}
	shared, err := curves[s.curve].shared(s.private, peerPublicKey)
	if err != nil {
		if errors.Is(err, ErrInvalidPublicKey) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	sum := sha256.Sum256(shared)
	aead, err := ciphers[s.cipher](sum[:])
	if err != nil {
		return fmt.Errorf("secure: init %s: %w", s.cipher, err)
	}

	s.secret = sum[:]
	s.aead = aead
	s.peer = append([]byte(nil), peerPublicKey...)
	return nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// ciphertext and authentication tag separately.
func (s *Session) Seal(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	if s.aead == nil {
		return nil, nil, nil, ErrNoSecret
	}
	iv = make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("secure: generate nonce: %w", err)
	}
	out := s.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - s.aead.Overhead()
	return out[:split], iv, out[split:], nil
}

// Open verifies and decrypts a message produced by Seal.
func (s *Session) Open(ciphertext, iv, tag []byte) ([]byte, error) {
	if s.aead == nil {
		return nil, ErrNoSecret
	}
	if len(iv) != s.aead.NonceSize() || len(tag) != s.aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// MAC returns HMAC-SHA-256 of label keyed by the session secret.
func (s *Session) MAC(label string) ([]byte, error) {
	if s.secret == nil {
		return nil, ErrNoSecret
	}
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(label))
	return m.Sum(nil), nil
}

// VerifyMAC reports whether proof equals MAC(label), in constant time.
func (s *Session) VerifyMAC(label string, proof []byte) bool {
	want, err := s.MAC(label)
	if err != nil {
		return false
	}
	return hmac.Equal(want, proof)
}
