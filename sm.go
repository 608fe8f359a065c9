package cardauth

import (
	"crypto/subtle"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/skythen/apdu"
)

const (
	tagEncryptedData    byte = 0x87
	tagExpectedLength   byte = 0x97
	tagProcessingStatus byte = 0x99
	tagChecksum         byte = 0x8E
	paddingIndicatorISO byte = 0x01
)

const secureMessagingMACLen = 8

// MACAlgorithm selects the checksum algorithm of secure messaging.
type MACAlgorithm int

const (
	MACCMAC   MACAlgorithm = iota // CMAC truncated to 8 bytes.
	MACRetail                     // ISO/IEC 9797-1 MAC algorithm 3, requires a 2K3DES MAC key.
)

// SessionConfiguration is the configuration of a secure messaging Session.
type SessionConfiguration struct {
	MACAlgorithm    MACAlgorithm    // checksum algorithm of DO'8E'.
	SequenceCounter uint64          // initial value of the send sequence counter.
	Logger          *zerolog.Logger // no logging if nil.
}

// Session is an ISO/IEC 7816-4 secure messaging session. It encodes command APDUs into protected command APDUs
// and authenticates and decodes protected response APDUs with the keys of one successful authentication.
//
// The send sequence counter (SSC) is incremented before every command is protected and before every response
// is verified. A response that fails verification closes the Session; a closed Session never becomes usable
// again and every call returns ErrSessionClosed.
type Session struct {
	enc          BlockCipher
	mac          *CMAC
	macKey       Key
	macAlgorithm MACAlgorithm
	macBlockSize int
	ssc          uint64
	closed       bool
	logger       zerolog.Logger
	lock         sync.Mutex
}

// NewSession returns a Session that protects messages with keys.
func NewSession(keys SessionKeys, config SessionConfiguration) (*Session, error) {
	if !keys.Enc.Configured() || !keys.MAC.Configured() {
		return nil, errors.New("session keys are not configured")
	}

	enc, err := NewBlockCipher(keys.Enc)
	if err != nil {
		return nil, errors.Wrap(err, "create session encryption cipher")
	}

	session := &Session{
		enc:          enc,
		macKey:       keys.MAC,
		macAlgorithm: config.MACAlgorithm,
		ssc:          config.SequenceCounter,
		logger:       loggerOrNop(config.Logger),
	}

	switch config.MACAlgorithm {
	case MACCMAC:
		macCipher, err := NewBlockCipher(keys.MAC)
		if err != nil {
			return nil, errors.Wrap(err, "create session MAC cipher")
		}

		session.mac, err = NewCMAC(macCipher)
		if err != nil {
			return nil, errors.Wrap(err, "derive CMAC subkeys of session MAC key")
		}

		session.macBlockSize = keys.MAC.Family().BlockSize()
	case MACRetail:
		if keys.MAC.Family() != FamilyTripleDES {
			return nil, UnsupportedAlgorithmError{Family: keys.MAC.Family(), Operation: "retail MAC"}
		}

		session.macBlockSize = 8
	default:
		return nil, errors.Errorf("unknown MAC algorithm %d", config.MACAlgorithm)
	}

	return session, nil
}

// SequenceCounter returns the current value of the send sequence counter.
func (session *Session) SequenceCounter() uint64 {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.ssc
}

// Closed reports whether the Session has been closed.
func (session *Session) Closed() bool {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.closed
}

// Close ends the Session and drops its keys.
func (session *Session) Close() {
	session.lock.Lock()
	defer session.lock.Unlock()

	session.close()
}

func (session *Session) close() {
	session.closed = true
	session.enc = nil
	session.mac = nil
	session.macKey = Key{}
	session.ssc = 0
}

// MaximumCommandPayloadLength returns the maximum length of the data field of a command APDU that can still be
// protected in short length encoding with a Le byte.
func (session *Session) MaximumCommandPayloadLength() int {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.closed {
		return 0
	}

	blockSize := session.enc.Family().BlockSize()

	for n := maxLenCommandShort; n > 0; n-- {
		padded := (n/blockSize + 1) * blockSize
		// 87 L 01 <padded> | 97 01 Le | 8E 08 <MAC>
		if len(encodeTLV(tagEncryptedData, make([]byte, 1+padded)))+3+2+secureMessagingMACLen <= maxLenCommandShort {
			return n
		}
	}

	return 0
}

// EncodeCommand protects a command APDU given in short length encoding and returns the encoded protected command APDU.
func (session *Session) EncodeCommand(command []byte) ([]byte, error) {
	capdu, err := parseCommand(command)
	if err != nil {
		return nil, errors.Wrap(err, "parse command APDU")
	}

	protected, err := session.Wrap(capdu)
	if err != nil {
		return nil, err
	}

	return CommandBytes(protected)
}

// DecodeResponse verifies and decodes an encoded protected response APDU and returns the plain response APDU,
// i.e. the decrypted data followed by the status word of DO'99'.
func (session *Session) DecodeResponse(response []byte) ([]byte, error) {
	rapdu, err := ParseResponse(response)
	if err != nil {
		return nil, err
	}

	plain, err := session.Unwrap(rapdu)
	if err != nil {
		return nil, err
	}

	return responseBytes(plain), nil
}

// Wrap takes an apdu.Capdu, encrypts its data field into DO'87', transfers Ne into DO'97', appends the checksum DO'8E'
// and returns the protected apdu.Capdu. The class byte of the result indicates secure messaging on the logical
// channel of capdu.
func (session *Session) Wrap(capdu apdu.Capdu) (apdu.Capdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.closed {
		return apdu.Capdu{}, ErrSessionClosed
	}

	if len(capdu.Data) > maxLenCommandShort || capdu.Ne < 0 || capdu.Ne > maxLenResponseShort {
		return apdu.Capdu{}, errors.New("extended length command APDUs are not supported")
	}

	var (
		do87 []byte
		do97 []byte
	)

	if len(capdu.Data) > 0 {
		padded, err := Pad80(capdu.Data, session.enc.Family().BlockSize(), true)
		if err != nil {
			return apdu.Capdu{}, errors.Wrap(err, "pad command data")
		}

		encrypted, err := session.enc.EncryptCBC(padded, nil)
		zero(padded)

		if err != nil {
			return apdu.Capdu{}, errors.Wrap(err, "encrypt command data")
		}

		do87 = encodeTLV(tagEncryptedData, append([]byte{paddingIndicatorISO}, encrypted...))
	}

	if capdu.Ne > 0 {
		do97 = []byte{tagExpectedLength, 0x01, neToLe(capdu.Ne)}
	}

	if len(do87)+len(do97)+2+secureMessagingMACLen > maxLenCommandShort {
		return apdu.Capdu{}, errors.Errorf("protected command data exceeds %d bytes", maxLenCommandShort)
	}

	cla := secureMessagingCLA(capdu.Cla)

	paddedHeader, err := Pad80([]byte{cla, capdu.Ins, capdu.P1, capdu.P2}, session.macBlockSize, true)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "pad command header")
	}

	session.ssc++

	checksum, err := session.checksum(paddedHeader, do87, do97)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "calculate command checksum")
	}

	data := make([]byte, 0, len(do87)+len(do97)+2+len(checksum))
	data = append(data, do87...)
	data = append(data, do97...)
	data = append(data, tagChecksum, byte(len(checksum)))
	data = append(data, checksum...)

	return apdu.Capdu{
		Cla:  cla,
		Ins:  capdu.Ins,
		P1:   capdu.P1,
		P2:   capdu.P2,
		Data: data,
		Ne:   maxLenResponseShort,
	}, nil
}

// Unwrap takes a protected apdu.Rapdu, verifies DO'8E' over DO'87' and DO'99', decrypts DO'87' and returns the
// plain apdu.Rapdu carrying the status word of DO'99'.
//
// A checksum mismatch returns ErrIntegrityFailed and a structurally invalid response returns MalformedResponseError.
// Both close the Session; no decrypted data is returned.
func (session *Session) Unwrap(rapdu apdu.Rapdu) (apdu.Rapdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.closed {
		return apdu.Rapdu{}, ErrSessionClosed
	}

	objects, err := parseResponseObjects(rapdu.Data)
	if err != nil {
		session.teardown("malformed protected response")
		return apdu.Rapdu{}, err
	}

	session.ssc++

	checksum, err := session.checksum(nil, objects.rawEncrypted, objects.rawStatus)
	if err != nil {
		session.teardown("checksum calculation failed")
		return apdu.Rapdu{}, errors.Wrap(err, "calculate response checksum")
	}

	if subtle.ConstantTimeCompare(checksum, objects.checksum) != 1 {
		session.teardown("response checksum mismatch")
		return apdu.Rapdu{}, ErrIntegrityFailed
	}

	plain := apdu.Rapdu{SW1: objects.status[0], SW2: objects.status[1]}

	if objects.encrypted != nil {
		decrypted, err := session.decryptResponseData(objects.encrypted)
		if err != nil {
			session.teardown("response data could not be decrypted")
			return apdu.Rapdu{}, err
		}

		plain.Data = decrypted
	}

	return plain, nil
}

func (session *Session) decryptResponseData(value []byte) ([]byte, error) {
	blockSize := session.enc.Family().BlockSize()

	if len(value) < 1+blockSize || value[0] != paddingIndicatorISO || (len(value)-1)%blockSize != 0 {
		return nil, MalformedResponseError{Message: "DO'87' content", Received: len(value)}
	}

	decrypted, err := session.enc.DecryptCBC(value[1:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt response data")
	}

	unpadded, err := Unpad80(decrypted)
	if err != nil {
		zero(decrypted)
		return nil, MalformedResponseError{Message: "DO'87' padding", Received: len(value)}
	}

	return unpadded, nil
}

// checksum calculates DO'8E' over SSC | header | objects.
func (session *Session) checksum(header []byte, objects ...[]byte) ([]byte, error) {
	ssc := uint64ToBytes(session.ssc)

	input := make([]byte, 0, len(ssc)+len(header)+32)
	input = append(input, ssc[:]...)
	input = append(input, header...)

	for _, object := range objects {
		input = append(input, object...)
	}

	padded, err := Pad80(input, session.macBlockSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "pad checksum input")
	}

	var mac []byte

	switch session.macAlgorithm {
	case MACRetail:
		mac, err = RetailMAC(session.macKey, padded, nil)
	default:
		mac, err = session.mac.MAC(padded, secureMessagingMACLen)
	}

	if err != nil {
		return nil, err
	}

	return mac, nil
}

func (session *Session) teardown(reason string) {
	session.logger.Warn().
		Str("reason", reason).
		Msg("closing secure messaging session")

	session.close()
}

type responseObjects struct {
	encrypted    []byte
	rawEncrypted []byte
	status       []byte
	rawStatus    []byte
	checksum     []byte
}

// parseResponseObjects parses [DO'87'] DO'99' DO'8E' in this order.
func parseResponseObjects(b []byte) (responseObjects, error) {
	var objects responseObjects

	tag, value, raw, rest, err := parseTLV(b)
	if err != nil {
		return responseObjects{}, err
	}

	if tag == tagEncryptedData {
		objects.encrypted, objects.rawEncrypted = value, raw

		tag, value, raw, rest, err = parseTLV(rest)
		if err != nil {
			return responseObjects{}, err
		}
	}

	if tag != tagProcessingStatus || len(value) != 2 {
		return responseObjects{}, MalformedResponseError{Message: "DO'99' missing or invalid", Received: len(b)}
	}

	objects.status, objects.rawStatus = value, raw

	tag, value, _, rest, err = parseTLV(rest)
	if err != nil {
		return responseObjects{}, err
	}

	if tag != tagChecksum || len(value) != secureMessagingMACLen {
		return responseObjects{}, MalformedResponseError{Message: "DO'8E' missing or invalid", Received: len(b)}
	}

	if len(rest) != 0 {
		return responseObjects{}, MalformedResponseError{Message: "data after DO'8E'", Received: len(b)}
	}

	objects.checksum = value

	return objects, nil
}

// parseTLV parses one BER-TLV data object with a single byte tag from the start of b.
func parseTLV(b []byte) (tag byte, value []byte, raw []byte, rest []byte, err error) {
	if len(b) < 2 {
		return 0, nil, nil, nil, MalformedResponseError{Message: "truncated data object", Expected: 2, Received: len(b)}
	}

	tag = b[0]
	offset := 2
	length := int(b[1])

	switch {
	case b[1] == 0x81:
		if len(b) < 3 {
			return 0, nil, nil, nil, MalformedResponseError{Message: "truncated length field", Expected: 3, Received: len(b)}
		}

		length, offset = int(b[2]), 3
	case b[1] == 0x82:
		if len(b) < 4 {
			return 0, nil, nil, nil, MalformedResponseError{Message: "truncated length field", Expected: 4, Received: len(b)}
		}

		length, offset = int(b[2])<<8|int(b[3]), 4
	case b[1] >= 0x80:
		return 0, nil, nil, nil, MalformedResponseError{Message: "unsupported length encoding", Received: len(b)}
	}

	if len(b) < offset+length {
		return 0, nil, nil, nil, MalformedResponseError{Message: "truncated data object", Expected: offset + length, Received: len(b)}
	}

	return tag, b[offset : offset+length], b[:offset+length], b[offset+length:], nil
}

// encodeTLV encodes a BER-TLV data object with a single byte tag.
func encodeTLV(tag byte, value []byte) []byte {
	var length []byte

	switch {
	case len(value) < 0x80:
		length = []byte{byte(len(value))}
	case len(value) <= 0xFF:
		length = []byte{0x81, byte(len(value))}
	default:
		length = []byte{0x82, byte(len(value) >> 8), byte(len(value))}
	}

	tlv := make([]byte, 0, 1+len(length)+len(value))
	tlv = append(tlv, tag)
	tlv = append(tlv, length...)

	return append(tlv, value...)
}
