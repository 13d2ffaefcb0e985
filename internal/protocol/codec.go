package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the packet message. The layout is plain protobuf wire
// format so any protobuf decoder with the matching schema can read it.
const (
	fieldProtocol       protowire.Number = 1
	fieldType           protowire.Number = 2
	fieldStream         protowire.Number = 3
	fieldSequence       protowire.Number = 4
	fieldData           protowire.Number = 5
	fieldAuthentication protowire.Number = 6
	fieldIV             protowire.Number = 7
	fieldAuthTag        protowire.Number = 8
	fieldCRC            protowire.Number = 9

	fieldAuthCurve  protowire.Number = 1
	fieldAuthCipher protowire.Number = 2
)

// ChecksumSize is the length of the payload CRC-32 on the wire.
const ChecksumSize = 4

// Checksum returns the CRC-32 (IEEE) of payload as 4 big-endian bytes.
func Checksum(payload []byte) []byte {
	sum := make([]byte, ChecksumSize)
	binary.BigEndian.PutUint32(sum, crc32.ChecksumIEEE(payload))
	return sum
}

// Encode serializes a Packet for datagram transmission. A checksum over the
// payload, as it will appear on the wire, is appended whenever a payload is
// set.
func Encode(pkt *Packet) []byte {
	state := pkt.Protocol
	if state == 0 {
		state = StateRaw
	}

	buf := make([]byte, 0, 32+len(pkt.Payload)+len(pkt.IV)+len(pkt.AuthTag))
	buf = protowire.AppendTag(buf, fieldProtocol, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(state))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(pkt.Type))
	buf = protowire.AppendTag(buf, fieldStream, protowire.BytesType)
	buf = protowire.AppendBytes(buf, pkt.SessionID.wire())

	if pkt.Type.HasSequence() {
		buf = protowire.AppendTag(buf, fieldSequence, protowire.VarintType)
		buf = protowire.AppendVarint(buf, pkt.Sequence)
	}
	if pkt.Payload != nil {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pkt.Payload)
	}
	if pkt.Auth != nil {
		buf = protowire.AppendTag(buf, fieldAuthentication, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeAuth(pkt.Auth))
	}
	if state == StateEncrypted {
		buf = protowire.AppendTag(buf, fieldIV, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pkt.IV)
		buf = protowire.AppendTag(buf, fieldAuthTag, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pkt.AuthTag)
	}
	if pkt.Payload != nil {
		buf = protowire.AppendTag(buf, fieldCRC, protowire.BytesType)
		buf = protowire.AppendBytes(buf, Checksum(pkt.Payload))
	}
	return buf
}

func encodeAuth(a *AuthInfo) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldAuthCurve, protowire.BytesType)
	buf = protowire.AppendString(buf, a.Curve)
	buf = protowire.AppendTag(buf, fieldAuthCipher, protowire.BytesType)
	buf = protowire.AppendString(buf, a.Cipher)
	return buf
}

// Decode deserializes a datagram into a Packet. A checksum mismatch is not an
// error: the packet is returned with IntegrityErr set so that callers drop it.
func Decode(data []byte) (*Packet, error) {
	pkt := &Packet{Protocol: StateRaw}
	var (
		crc     []byte
		sawType bool
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldProtocol && typ == protowire.VarintType,
			num == fieldType && typ == protowire.VarintType,
			num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldProtocol:
				pkt.Protocol = ProtocolState(v)
			case fieldType:
				pkt.Type = FrameType(v)
				sawType = true
			case fieldSequence:
				pkt.Sequence = v
			}

		case typ == protowire.BytesType && num >= fieldStream && num <= fieldCRC:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := pkt.setBytesField(num, v, &crc); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !sawType || !pkt.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFrameType, pkt.Type)
	}
	if pkt.Protocol != StateRaw && pkt.Protocol != StateEncrypted {
		return nil, fmt.Errorf("%w: protocol state %d", ErrMalformed, pkt.Protocol)
	}

	if pkt.Payload != nil {
		sum := Checksum(pkt.Payload)
		if !bytes.Equal(crc, sum) {
			pkt.IntegrityErr = true
		}
	}
	return pkt, nil
}

func (p *Packet) setBytesField(num protowire.Number, v []byte, crc *[]byte) error {
	switch num {
	case fieldStream:
		switch {
		case len(v) == 1 && v[0] == 0:
			p.SessionID = SessionID{}
		case len(v) == SessionIDSize:
			copy(p.SessionID[:], v)
		default:
			return fmt.Errorf("%w: %d bytes", ErrBadSessionID, len(v))
		}
	case fieldData:
		p.Payload = clone(v)
	case fieldAuthentication:
		auth, err := decodeAuth(v)
		if err != nil {
			return err
		}
		p.Auth = auth
	case fieldIV:
		p.IV = clone(v)
	case fieldAuthTag:
		p.AuthTag = clone(v)
	case fieldCRC:
		*crc = clone(v)
	}
	return nil
}

func decodeAuth(data []byte) (*AuthInfo, error) {
	auth := &AuthInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: authentication: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.BytesType && (num == fieldAuthCurve || num == fieldAuthCipher) {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: authentication: %v", ErrMalformed, protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldAuthCurve {
				auth.Curve = v
			} else {
				auth.Cipher = v
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("%w: authentication: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return auth, nil
}
