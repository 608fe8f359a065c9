// Package remote implements the binary request/response protocol of a remote key custodian. Keys never leave
// the custodian except as the result of a diversification request; the client exposes the custodian's cipher
// operations as a cardauth.BlockCipher so that CMAC, diversification and authentication run unchanged on top of it.
package remote

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/skythen/cardauth"
)

// Opcode identifies the operation of a request.
type Opcode uint16

const (
	OpGenRandom Opcode = 0x0001 // generate random bytes.
	OpAESCrypt  Opcode = 0x0002 // AES encryption or decryption.
	OpDESCrypt  Opcode = 0x0003 // DES, 2K3DES or 3K3DES encryption or decryption.
	OpDiversify Opcode = 0x0004 // NXP AV2 key diversification.
	OpKeyInfo   Opcode = 0x0005 // family and properties of a key.
)

func (op Opcode) String() string {
	switch op {
	case OpGenRandom:
		return "GEN_RANDOM"
	case OpAESCrypt:
		return "AES_CRYPT"
	case OpDESCrypt:
		return "DES_CRYPT"
	case OpDiversify:
		return "DIVERSIFY"
	case OpKeyInfo:
		return "KEY_INFO"
	default:
		return fmt.Sprintf("OPCODE_%04X", uint16(op))
	}
}

// Status is the result code of a response.
type Status uint16

const (
	StatusSuccess               Status = 0x0000
	StatusFailure               Status = 0x0001
	StatusInvalidPayloadSize    Status = 0x0002
	StatusTooManyBytesRequested Status = 0x0003
	StatusKeyNotLoadable        Status = 0x0004
	StatusInvalidFlags          Status = 0x0005
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInvalidPayloadSize:
		return "invalid payload size"
	case StatusTooManyBytesRequested:
		return "too many bytes requested"
	case StatusKeyNotLoadable:
		return "key not loadable"
	case StatusInvalidFlags:
		return "invalid flags"
	default:
		return fmt.Sprintf("status %04X", uint16(s))
	}
}

// StatusError results from a response with a status other than StatusSuccess.
type StatusError struct {
	Opcode Opcode
	Status Status
}

func (e StatusError) Error() string {
	return fmt.Sprintf("remote: %s failed: %s", e.Opcode, e.Status)
}

// Flags of OpAESCrypt and OpDESCrypt.
const (
	FlagDecrypt byte = 0x01 // decrypt instead of encrypt.
	FlagECB     byte = 0x02 // ECB instead of CBC.

	cryptFlagsMask = FlagDecrypt | FlagECB
)

// Flags of OpDiversify.
const (
	FlagReverseAID byte = 0x01 // AID in little-endian byte order.
	FlagForceK2    byte = 0x02 // use CMAC subkey K2 even without padding.

	diversifyFlagsMask = FlagReverseAID | FlagForceK2
)

// Properties of an OpKeyInfo response: family | properties. The request payload is name length | name.
const (
	PropertySingleDES byte = 0x01 // 2K3DES key with equal halves.
)

const (
	requestHeaderLength  = 6
	responseHeaderLength = 8
	// MaxFrameLength is the maximum length of a frame including its header.
	MaxFrameLength = 0x10000
)

// writeRequest writes size | opcode | payload.
func writeRequest(w io.Writer, op Opcode, payload []byte) error {
	frame := make([]byte, requestHeaderLength, requestHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(requestHeaderLength+len(payload)))
	binary.BigEndian.PutUint16(frame[4:6], uint16(op))
	frame = append(frame, payload...)

	if len(frame) > MaxFrameLength {
		return errors.Errorf("request of %d bytes exceeds maximum frame length", len(frame))
	}

	_, err := w.Write(frame)

	return err
}

// readRequest reads a request frame.
func readRequest(r io.Reader) (Opcode, []byte, error) {
	header := make([]byte, requestHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	payload, err := readPayload(r, binary.BigEndian.Uint32(header[0:4]), requestHeaderLength)
	if err != nil {
		return 0, nil, err
	}

	return Opcode(binary.BigEndian.Uint16(header[4:6])), payload, nil
}

// writeResponse writes size | opcode | status | payload.
func writeResponse(w io.Writer, op Opcode, status Status, payload []byte) error {
	frame := make([]byte, responseHeaderLength, responseHeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(responseHeaderLength+len(payload)))
	binary.BigEndian.PutUint16(frame[4:6], uint16(op))
	binary.BigEndian.PutUint16(frame[6:8], uint16(status))
	frame = append(frame, payload...)

	if len(frame) > MaxFrameLength {
		return errors.Errorf("response of %d bytes exceeds maximum frame length", len(frame))
	}

	_, err := w.Write(frame)

	return err
}

// readResponse reads a response frame.
func readResponse(r io.Reader) (Opcode, Status, []byte, error) {
	header := make([]byte, responseHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}

	payload, err := readPayload(r, binary.BigEndian.Uint32(header[0:4]), responseHeaderLength)
	if err != nil {
		return 0, 0, nil, err
	}

	return Opcode(binary.BigEndian.Uint16(header[4:6])), Status(binary.BigEndian.Uint16(header[6:8])), payload, nil
}

func readPayload(r io.Reader, size uint32, headerLength int) ([]byte, error) {
	if size < uint32(headerLength) || size > MaxFrameLength {
		return nil, errors.Errorf("invalid frame size %d", size)
	}

	payload := make([]byte, int(size)-headerLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}

	return payload, nil
}

// cryptRequest is the payload of OpAESCrypt and OpDESCrypt: name length | name | flags | IV length | IV | data.
type cryptRequest struct {
	keyName string
	flags   byte
	iv      []byte
	data    []byte
}

func (req cryptRequest) encode() []byte {
	b := make([]byte, 0, 3+len(req.keyName)+len(req.iv)+len(req.data))
	b = appendShortBytes(b, []byte(req.keyName))
	b = append(b, req.flags)
	b = appendShortBytes(b, req.iv)

	return append(b, req.data...)
}

func decodeCryptRequest(b []byte) (cryptRequest, error) {
	var (
		req  cryptRequest
		name []byte
		err  error
	)

	if name, b, err = readShortBytes(b); err != nil {
		return cryptRequest{}, err
	}

	req.keyName = string(name)

	if len(b) < 1 {
		return cryptRequest{}, errInvalidPayload
	}

	req.flags, b = b[0], b[1:]

	if req.iv, b, err = readShortBytes(b); err != nil {
		return cryptRequest{}, err
	}

	req.data = b

	return req, nil
}

// diversifyRequest is the payload of OpDiversify:
// name length | name | flags | UID length | UID | AID (3) | key number | system identifier length | system identifier |
// input length | input.
type diversifyRequest struct {
	keyName          string
	flags            byte
	uid              []byte
	aid              uint32
	keyNo            byte
	systemIdentifier []byte
	input            []byte
}

func (req diversifyRequest) encode() []byte {
	b := make([]byte, 0, 16+len(req.keyName)+len(req.uid)+len(req.systemIdentifier)+len(req.input))
	b = appendShortBytes(b, []byte(req.keyName))
	b = append(b, req.flags)
	b = appendShortBytes(b, req.uid)
	b = append(b, byte(req.aid>>16), byte(req.aid>>8), byte(req.aid), req.keyNo)
	b = appendShortBytes(b, req.systemIdentifier)

	return appendShortBytes(b, req.input)
}

func decodeDiversifyRequest(b []byte) (diversifyRequest, error) {
	var (
		req  diversifyRequest
		name []byte
		err  error
	)

	if name, b, err = readShortBytes(b); err != nil {
		return diversifyRequest{}, err
	}

	req.keyName = string(name)

	if len(b) < 1 {
		return diversifyRequest{}, errInvalidPayload
	}

	req.flags, b = b[0], b[1:]

	if req.uid, b, err = readShortBytes(b); err != nil {
		return diversifyRequest{}, err
	}

	if len(b) < 4 {
		return diversifyRequest{}, errInvalidPayload
	}

	req.aid = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	req.keyNo, b = b[3], b[4:]

	if req.systemIdentifier, b, err = readShortBytes(b); err != nil {
		return diversifyRequest{}, err
	}

	if req.input, b, err = readShortBytes(b); err != nil {
		return diversifyRequest{}, err
	}

	if len(b) != 0 {
		return diversifyRequest{}, errInvalidPayload
	}

	return req, nil
}

var errInvalidPayload = errors.New("invalid payload size")

// Key family codes of a diversification response: family | key.
const (
	familyCodeDES    byte = 0x01
	familyCode2K3DES byte = 0x02
	familyCode3K3DES byte = 0x03
	familyCodeAES    byte = 0x04
)

func familyCode(f cardauth.Family) byte {
	switch f {
	case cardauth.FamilyDES:
		return familyCodeDES
	case cardauth.FamilyTripleDES:
		return familyCode2K3DES
	case cardauth.FamilyThreeKeyTripleDES:
		return familyCode3K3DES
	case cardauth.FamilyAES:
		return familyCodeAES
	default:
		return 0x00
	}
}

func familyFromCode(code byte) (cardauth.Family, error) {
	switch code {
	case familyCodeDES:
		return cardauth.FamilyDES, nil
	case familyCode2K3DES:
		return cardauth.FamilyTripleDES, nil
	case familyCode3K3DES:
		return cardauth.FamilyThreeKeyTripleDES, nil
	case familyCodeAES:
		return cardauth.FamilyAES, nil
	default:
		return cardauth.FamilyUnknown, errors.Errorf("unknown key family code %02X", code)
	}
}

func appendShortBytes(b []byte, value []byte) []byte {
	b = append(b, byte(len(value)))

	return append(b, value...)
}

func readShortBytes(b []byte) (value []byte, rest []byte, err error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return nil, nil, errInvalidPayload
	}

	return b[1 : 1+int(b[0])], b[1+int(b[0]):], nil
}
