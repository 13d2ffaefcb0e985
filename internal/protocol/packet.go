// Package protocol defines the udps packet format: frame types, the session
// identifier, and the per-type constructors shared by the handshake and the
// stream engine.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ProtocolState tells whether a packet's payload is plaintext or sealed.
type ProtocolState uint8

const (
	StateRaw       ProtocolState = 1
	StateEncrypted ProtocolState = 2
)

func (s ProtocolState) String() string {
	switch s {
	case StateRaw:
		return "RAW"
	case StateEncrypted:
		return "ENCRYPTED"
	default:
		return fmt.Sprintf("ProtocolState(%d)", uint8(s))
	}
}

// FrameType is the kind of frame carried by a packet.
type FrameType uint8

const (
	TypeAuthentication  FrameType = 1 // ephemeral public key exchange
	TypeSynchronization FrameType = 2 // proof of secret possession
	TypeData            FrameType = 3 // stream fragment
	TypeAcknowledgment  FrameType = 4 // ack for exactly one sequence
	TypeFinalize        FrameType = 5 // connection close
)

func (t FrameType) String() string {
	switch t {
	case TypeAuthentication:
		return "AUTHENTICATION"
	case TypeSynchronization:
		return "SYNCHRONIZATION"
	case TypeData:
		return "DATA"
	case TypeAcknowledgment:
		return "ACKNOWLEDGMENT"
	case TypeFinalize:
		return "FINALIZE"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the five known frame types.
func (t FrameType) Valid() bool {
	return t >= TypeAuthentication && t <= TypeFinalize
}

// HasSequence reports whether frames of this type carry a sequence number.
func (t FrameType) HasSequence() bool {
	return t == TypeData || t == TypeAcknowledgment
}

// SessionIDSize is the length of a session identifier on the wire.
const SessionIDSize = 8

// SessionID identifies every packet of one connection. The zero value is the
// reserved "no session yet" marker and is encoded as a single 0x00 byte.
type SessionID [SessionIDSize]byte

// NewSessionID draws a random, non-zero session identifier.
func NewSessionID() (SessionID, error) {
	var id SessionID
	for id.IsZero() {
		if _, err := rand.Read(id[:]); err != nil {
			return SessionID{}, fmt.Errorf("protocol: generate session id: %w", err)
		}
	}
	return id, nil
}

// IsZero reports whether id is the reserved marker.
func (id SessionID) IsZero() bool {
	return id == SessionID{}
}

// wire returns the on-wire form of id.
func (id SessionID) wire() []byte {
	if id.IsZero() {
		return []byte{0}
	}
	return id[:]
}

func (id SessionID) String() string {
	if id.IsZero() {
		return "00"
	}
	return hex.EncodeToString(id[:])
}

// AuthInfo carries the negotiated algorithm names of an AUTHENTICATION frame.
// The ephemeral public key itself travels as the packet payload.
type AuthInfo struct {
	Curve  string
	Cipher string
}

// Packet is one udps datagram.
type Packet struct {
	Protocol  ProtocolState
	Type      FrameType
	SessionID SessionID
	Sequence  uint64 // DATA and ACKNOWLEDGMENT only
	Payload   []byte
	Auth      *AuthInfo // AUTHENTICATION only
	IV        []byte    // ENCRYPTED only
	AuthTag   []byte    // ENCRYPTED only

	// IntegrityErr is set by Decode when the payload checksum does not match.
	// Such packets must be dropped by the receiver.
	IntegrityErr bool
}

// NewAuthentication builds an AUTHENTICATION frame carrying an ephemeral
// public key and the curve and cipher names it was generated for.
func NewAuthentication(publicKey []byte, curve, cipher string) *Packet {
	return &Packet{
		Protocol: StateRaw,
		Type:     TypeAuthentication,
		Payload:  clone(publicKey),
		Auth:     &AuthInfo{Curve: curve, Cipher: cipher},
	}
}

// NewSynchronization builds a SYNCHRONIZATION frame carrying a plaintext
// proof. The caller seals it before sending.
func NewSynchronization(proof []byte) *Packet {
	return &Packet{
		Protocol: StateRaw,
		Type:     TypeSynchronization,
		Payload:  clone(proof),
	}
}

// NewData builds a DATA frame for one stream fragment.
func NewData(seq uint64, payload []byte) *Packet {
	return &Packet{
		Protocol: StateRaw,
		Type:     TypeData,
		Sequence: seq,
		Payload:  clone(payload),
	}
}

// NewAcknowledgment builds an ACKNOWLEDGMENT frame for seq.
func NewAcknowledgment(seq uint64) *Packet {
	return &Packet{
		Protocol: StateRaw,
		Type:     TypeAcknowledgment,
		Sequence: seq,
	}
}

// NewFinalize builds a FINALIZE frame.
func NewFinalize() *Packet {
	return &Packet{
		Protocol: StateRaw,
		Type:     TypeFinalize,
	}
}

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = clone(p.Payload)
	c.IV = clone(p.IV)
	c.AuthTag = clone(p.AuthTag)
	if p.Auth != nil {
		auth := *p.Auth
		c.Auth = &auth
	}
	return &c
}

// Equal reports whether p and o carry the same wire fields.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if (p.Auth == nil) != (o.Auth == nil) {
		return false
	}
	if p.Auth != nil && *p.Auth != *o.Auth {
		return false
	}
	return p.Protocol == o.Protocol &&
		p.Type == o.Type &&
		p.SessionID == o.SessionID &&
		p.Sequence == o.Sequence &&
		bytes.Equal(p.Payload, o.Payload) &&
		bytes.Equal(p.IV, o.IV) &&
		bytes.Equal(p.AuthTag, o.AuthTag)
}

func (p *Packet) String() string {
	if p.Type.HasSequence() {
		return fmt.Sprintf("%s[%s] sid=%s seq=%d len=%d", p.Type, p.Protocol, p.SessionID, p.Sequence, len(p.Payload))
	}
	return fmt.Sprintf("%s[%s] sid=%s len=%d", p.Type, p.Protocol, p.SessionID, len(p.Payload))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
