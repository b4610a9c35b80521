package memd

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of every request and response
// header (spec §4.A).
const HeaderSize = 24

// MaxBodyLength is the largest total body (extras+key+value) the codec will
// emit in a single frame (spec §4.A "the codec refuses to emit a frame
// whose total body exceeds the negotiated maximum").
const MaxBodyLength = 20 * 1024 * 1024

// Packet is a fully decoded request or response frame.
type Packet struct {
	Magic    Magic
	Command  CmdCode
	Datatype uint8
	// Status carries the response status; on a request this field is
	// unused (the corresponding wire bytes carry the vbucket id instead).
	Status StatusCode
	// Vbucket carries the request's target vbucket id; on a response this
	// field is unused (the corresponding wire bytes carry status instead).
	Vbucket uint16
	Opaque  uint32
	Cas     uint64

	// FramingExtras carries flexible-framing-extras blocks (e.g. the
	// SYNC_WRITE durability requirement DurabilityFrame builds). Only
	// non-empty when the frame is encoded/decoded with the alt magic
	// (0x08 request / 0x18 response).
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// Encode serializes the packet as a request frame.
func (p *Packet) Encode() ([]byte, error) {
	return p.encode(MagicReq)
}

// EncodeResponse serializes the packet as a response frame.
func (p *Packet) EncodeResponse() ([]byte, error) {
	return p.encode(MagicRes)
}

func (p *Packet) encode(magic Magic) ([]byte, error) {
	bodyLen := len(p.FramingExtras) + len(p.Extras) + len(p.Key) + len(p.Value)
	if bodyLen > MaxBodyLength {
		return nil, fmt.Errorf("memd: body length %d exceeds maximum %d", bodyLen, MaxBodyLength)
	}
	if len(p.FramingExtras) > 0xff {
		return nil, fmt.Errorf("memd: framing extras length %d exceeds 255", len(p.FramingExtras))
	}
	if len(p.Extras) > 0xff {
		return nil, fmt.Errorf("memd: extras length %d exceeds 255", len(p.Extras))
	}

	altFraming := len(p.FramingExtras) > 0
	if altFraming {
		if len(p.Key) > 0xff {
			return nil, fmt.Errorf("memd: key length %d exceeds 255 with flexible framing", len(p.Key))
		}
	} else if len(p.Key) > 0xffff {
		return nil, fmt.Errorf("memd: key length %d exceeds 65535", len(p.Key))
	}

	buf := make([]byte, HeaderSize+bodyLen)
	if altFraming {
		buf[0] = byte(altMagicFor(magic))
		buf[1] = byte(p.Command)
		buf[2] = byte(len(p.FramingExtras))
		buf[3] = byte(len(p.Key))
	} else {
		buf[0] = byte(magic)
		buf[1] = byte(p.Command)
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Key)))
	}
	buf[4] = byte(len(p.Extras))
	buf[5] = p.Datatype
	if magic == MagicReq {
		binary.BigEndian.PutUint16(buf[6:8], p.Vbucket)
	} else {
		binary.BigEndian.PutUint16(buf[6:8], uint16(p.Status))
	}
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], p.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], p.Cas)

	off := HeaderSize
	off += copy(buf[off:], p.FramingExtras)
	off += copy(buf[off:], p.Extras)
	off += copy(buf[off:], p.Key)
	copy(buf[off:], p.Value)

	return buf, nil
}

// DecodeHeader parses the fixed 24-byte header. It returns the declared
// total body length so the caller can read exactly that many further bytes
// before calling DecodeBody.
func DecodeHeader(hdr []byte) (Packet, int, error) {
	if len(hdr) != HeaderSize {
		return Packet{}, 0, fmt.Errorf("memd: header must be %d bytes, got %d", HeaderSize, len(hdr))
	}
	magic := Magic(hdr[0])
	altFraming := magic == altMagicReq || magic == altMagicRes
	if magic != MagicReq && magic != MagicRes && !altFraming {
		return Packet{}, 0, fmt.Errorf("memd: invalid magic 0x%02x", hdr[0])
	}

	var frameLen, keyLen int
	if altFraming {
		frameLen = int(hdr[2])
		keyLen = int(hdr[3])
	} else {
		keyLen = int(binary.BigEndian.Uint16(hdr[2:4]))
	}
	extLen := hdr[4]

	p := Packet{
		Magic:    magic,
		Command:  CmdCode(hdr[1]),
		Datatype: hdr[5],
		Opaque:   binary.BigEndian.Uint32(hdr[12:16]),
		Cas:      binary.BigEndian.Uint64(hdr[16:24]),
	}
	if magic == MagicReq || magic == altMagicReq {
		p.Vbucket = binary.BigEndian.Uint16(hdr[6:8])
	} else {
		p.Status = StatusCode(binary.BigEndian.Uint16(hdr[6:8]))
	}

	bodyLen := int(binary.BigEndian.Uint32(hdr[8:12]))
	if bodyLen < frameLen+int(extLen)+keyLen {
		return Packet{}, 0, fmt.Errorf("memd: body length %d smaller than framing+extras+key %d", bodyLen, frameLen+int(extLen)+keyLen)
	}

	p.FramingExtras = make([]byte, frameLen)
	p.Extras = make([]byte, extLen)
	p.Key = make([]byte, keyLen)
	return p, bodyLen, nil
}

// DecodeBody splits a body of the length returned by DecodeHeader into the
// packet's extras, key, and value slices. body must be exactly bodyLen
// bytes as reported by DecodeHeader.
func (p *Packet) DecodeBody(body []byte) error {
	frameLen := len(p.FramingExtras)
	extLen := len(p.Extras)
	keyLen := len(p.Key)
	if len(body) < frameLen+extLen+keyLen {
		return fmt.Errorf("memd: short body: have %d, need at least %d", len(body), frameLen+extLen+keyLen)
	}
	off := 0
	off += copy(p.FramingExtras, body[off:off+frameLen])
	off += copy(p.Extras, body[off:off+extLen])
	off += copy(p.Key, body[off:off+keyLen])
	p.Value = body[off:]
	return nil
}
