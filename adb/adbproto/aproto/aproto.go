// Package aproto implements the lower level transport protocol used by ADB.
package aproto

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/pgaskin/go-adbwire/adb/adbproto"
)

// Packet payload sizes (adb.h).
const (
	MaxPayloadSizeV1 = 4 * 1024
	MaxPayloadSize   = 1024 * 1024
)

// ADB protocol version (adb.h).
const (
	VersionMin          uint32 = 0x01000000 // original
	VersionSkipChecksum uint32 = 0x01000001 // skip checksum (Dec 2017)
	Version                    = VersionSkipChecksum
)

// Stream-based TLS protocol version (adb.h).
const (
	STLSVersionMin uint32 = 0x01000000
)

type Command uint32

// Message commands (types.h).
const (
	A_SYNC Command = 0x434e5953
	A_CNXN Command = 0x4e584e43
	A_OPEN Command = 0x4e45504f
	A_OKAY Command = 0x59414b4f
	A_CLSE Command = 0x45534c43
	A_WRTE Command = 0x45545257
	A_AUTH Command = 0x48545541
	A_STLS Command = 0x534C5453
)

func (c Command) String() string {
	return string(binary.LittleEndian.AppendUint32(nil, uint32(c)))
}

// AUTH packets first argument.
const (
	AuthToken        uint32 = 1
	AuthSignature    uint32 = 2
	AuthRSAPublicKey uint32 = 3
)

const AuthTokenSize = 20

const MessageSize = 6 * 4

// Errors which can be tested with [errors.Is].
var (
	ErrFraming         = errors.New("framing error")     // malformed or truncated packet
	ErrPayloadTooLarge = errors.New("payload too large") // payload exceeds the negotiated maximum
)

type framingError struct {
	Err error
}

// framingErrorf creates an error matching both [ErrFraming] and
// [adbproto.ErrProtocol].
func framingErrorf(format string, a ...any) error {
	return &framingError{fmt.Errorf(format, a...)}
}

func (e *framingError) Error() string {
	return ErrFraming.Error() + ": " + e.Err.Error()
}

func (e *framingError) Is(target error) bool {
	return target == ErrFraming || target == adbproto.ErrProtocol
}

func (e *framingError) Unwrap() error {
	return e.Err
}

// Message is an amessage (types.h)
type Message struct {
	Command    Command // command identifier constant
	Arg0       uint32  // first argument
	Arg1       uint32  // second argument
	DataLength uint32  // length of payload (0 is allowed)
	DataCheck  uint32  // checksum of data payload
	Magic      uint32  // command ^ 0xffffffff
}

// Packet is an apacket (types.h).
type Packet struct {
	Message
	Payload []byte
}

var (
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ encoding.BinaryAppender    = Message{}
	_ encoding.BinaryMarshaler   = Message{}
	_ encoding.BinaryAppender    = Packet{}
)

// Checksum computes the checksum of an apacket payload.
func Checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// NewPacket builds a packet, filling in the length and magic. If checksum is
// false, the checksum field is left at zero, which peers using
// [VersionSkipChecksum] or later expect.
func NewPacket(cmd Command, arg0, arg1 uint32, payload []byte, checksum bool) Packet {
	pkt := Packet{
		Message: Message{
			Command:    cmd,
			Arg0:       arg0,
			Arg1:       arg1,
			DataLength: uint32(len(payload)),
			Magic:      uint32(cmd) ^ 0xFFFFFFFF,
		},
		Payload: payload,
	}
	if checksum {
		pkt.DataCheck = Checksum(payload)
	}
	return pkt
}

// UnmarshalBinary decodes an amessage.
func (k *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) != MessageSize {
		return fmt.Errorf("incorrect amessage size")
	}
	*k = Message{
		Command:    Command(binary.LittleEndian.Uint32(buf[0:4])),
		Arg0:       binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:       binary.LittleEndian.Uint32(buf[8:12]),
		DataLength: binary.LittleEndian.Uint32(buf[12:16]),
		DataCheck:  binary.LittleEndian.Uint32(buf[16:20]),
		Magic:      binary.LittleEndian.Uint32(buf[20:24]),
	}
	return nil
}

// AppendBinary encodes an amessage.
func (k Message) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, MessageSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(k.Command))
	b = binary.LittleEndian.AppendUint32(b, k.Arg0)
	b = binary.LittleEndian.AppendUint32(b, k.Arg1)
	b = binary.LittleEndian.AppendUint32(b, k.DataLength)
	b = binary.LittleEndian.AppendUint32(b, k.DataCheck)
	b = binary.LittleEndian.AppendUint32(b, k.Magic)
	return b, nil
}

// MarshalBinary is like AppendBinary.
func (k Message) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(nil)
}

// IsMagicValid checks whether the magic is valid.
func (k Message) IsMagicValid() bool {
	return k.Command^0xFFFFFFFF == Command(k.Magic)
}

// IsChecksumValid checks whether the checksum is valid. A zero checksum is
// always accepted since newer peers don't send one.
func (k Packet) IsChecksumValid() bool {
	if k.DataCheck == 0 || k.DataLength == 0 {
		return true
	}
	return Checksum(k.Payload) == k.DataCheck
}

// AppendBinary encodes an apacket.
func (k Packet) AppendBinary(b []byte) ([]byte, error) {
	var err error
	b = slices.Grow(b, MessageSize+len(k.Payload))
	b, err = k.Message.AppendBinary(b)
	if err != nil {
		return nil, err
	}
	b = append(b, k.Payload...)
	return b, nil
}

// MarshalBinary is like AppendBinary.
func (k Packet) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(nil)
}

// ReadPacket reads exactly one packet from r, rejecting payloads larger than
// maxPayload. The returned payload is newly allocated. All errors match
// [ErrFraming], and errors caused by r wrap the original error.
func ReadPacket(r io.Reader, maxPayload uint32) (Packet, error) {
	pkt, err := readPacket(r, new([]byte), maxPayload, true)
	if err != nil {
		return Packet{}, err
	}
	return pkt, nil
}

// readPacket reads a packet into *bufp, growing it as required. The payload
// aliases *bufp. Nonzero checksums are only verified if checksum is true.
func readPacket(r io.Reader, bufp *[]byte, maxPayload uint32, checksum bool) (Packet, error) {
	var pkt Packet
	buf := slices.Grow((*bufp)[:0], MessageSize)[:MessageSize]
	*bufp = buf
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return pkt, framingErrorf("read header: %w", err) // clean eof between packets
		}
		return pkt, framingErrorf("read header: truncated: %w", err)
	}
	if err := pkt.Message.UnmarshalBinary(buf); err != nil {
		return pkt, framingErrorf("decode header: %w", err)
	}
	if !pkt.IsMagicValid() {
		return pkt, framingErrorf("invalid magic %08x for command %08x", pkt.Magic, uint32(pkt.Command))
	}
	if pkt.DataLength > maxPayload {
		return pkt, framingErrorf("%s payload length %d exceeds maximum %d", pkt.Command, pkt.DataLength, maxPayload)
	}
	buf = slices.Grow(buf, int(pkt.DataLength))
	*bufp = buf
	buf = buf[MessageSize : MessageSize+int(pkt.DataLength)]
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return pkt, framingErrorf("read %s payload (len=%d): truncated: %w", pkt.Command, pkt.DataLength, err)
	}
	pkt.Payload = buf
	if checksum && !pkt.IsChecksumValid() {
		return pkt, framingErrorf("%s payload checksum mismatch", pkt.Command)
	}
	return pkt, nil
}

// ConnectionProps is the list of properties which should be sent in the A_CNXN
// banner.
var ConnectionProps = []string{
	"ro.product.name",
	"ro.product.model",
	"ro.product.device",
}
