package cardauth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/skythen/apdu"
)

const (
	bacRandomLength      = 8
	bacKeySeedLength     = 16
	bacCryptogramLength  = 32
	bacResponseLength    = bacCryptogramLength + 8
	documentNumberLength = 9
	mrzDateLength        = 6
)

const (
	bacCounterEnc uint32 = 1
	bacCounterMAC uint32 = 2
)

// BACKeys derives the document basic access keys Kenc and Kmac from the machine readable zone of a travel document.
// Dates are given as YYMMDD. Document numbers shorter than 9 characters are padded with '<'.
func BACKeys(documentNumber, dateOfBirth, dateOfExpiry string) (Key, Key, error) {
	documentNumber = strings.ToUpper(strings.TrimSpace(documentNumber))

	if documentNumber == "" || len(documentNumber) > documentNumberLength {
		return Key{}, Key{}, errors.Errorf("document number must be 1-%d characters long", documentNumberLength)
	}

	documentNumber += strings.Repeat("<", documentNumberLength-len(documentNumber))

	if len(dateOfBirth) != mrzDateLength || len(dateOfExpiry) != mrzDateLength {
		return Key{}, Key{}, errors.Errorf("dates must be %d characters long (YYMMDD)", mrzDateLength)
	}

	var mrz strings.Builder

	for _, field := range []string{documentNumber, dateOfBirth, dateOfExpiry} {
		digit, err := mrzCheckDigit(field)
		if err != nil {
			return Key{}, Key{}, errors.Wrap(err, "calculate MRZ check digit")
		}

		mrz.WriteString(field)
		mrz.WriteByte('0' + digit)
	}

	digest := sha1.Sum([]byte(mrz.String()))
	seed := digest[:bacKeySeedLength]

	enc, err := bacDeriveKey(seed, bacCounterEnc)
	if err != nil {
		return Key{}, Key{}, err
	}

	mac, err := bacDeriveKey(seed, bacCounterMAC)
	if err != nil {
		return Key{}, Key{}, err
	}

	zero(digest[:])

	return enc, mac, nil
}

// mrzCheckDigit calculates the ICAO 9303 check digit with the weights 7, 3, 1.
func mrzCheckDigit(s string) (byte, error) {
	weights := [3]int{7, 3, 1}
	sum := 0

	for i, r := range s {
		var value int

		switch {
		case r >= '0' && r <= '9':
			value = int(r - '0')
		case r >= 'A' && r <= 'Z':
			value = int(r-'A') + 10
		case r == '<':
			value = 0
		default:
			return 0, errors.Errorf("invalid MRZ character %q", r)
		}

		sum += value * weights[i%3]
	}

	return byte(sum % 10), nil
}

// bacDeriveKey derives a 2K3DES key with odd parity from SHA-1(seed | counter).
func bacDeriveKey(seed []byte, counter uint32) (Key, error) {
	input := make([]byte, len(seed)+4)
	copy(input, seed)
	binary.BigEndian.PutUint32(input[len(seed):], counter)

	digest := sha1.Sum(input)
	zero(input)

	key, err := NewKey(FamilyTripleDES, AdjustDESParity(digest[:16]))
	zero(digest[:])

	return key, err
}

// BACHandshake performs the Basic Access Control mutual authentication of a travel document.
// It follows the same state model as AuthSession.
type BACHandshake struct {
	enc    BlockCipher
	mac    Key
	random io.Reader
	state  AuthState
	rndICC []byte
	rndIFD []byte
	kIFD   []byte
	logger zerolog.Logger
	lock   sync.Mutex
}

// NewBACHandshake returns a BACHandshake in state AuthIdle for the document basic access keys.
// random is the source of RND.IFD and K.IFD, crypto/rand.Reader if nil.
func NewBACHandshake(enc, mac Key, random io.Reader, logger *zerolog.Logger) (*BACHandshake, error) {
	if enc.Family() != FamilyTripleDES || mac.Family() != FamilyTripleDES {
		return nil, UnsupportedAlgorithmError{Family: enc.Family(), Operation: "basic access control"}
	}

	c, err := NewBlockCipher(enc)
	if err != nil {
		return nil, err
	}

	if random == nil {
		random = rand.Reader
	}

	return &BACHandshake{enc: c, mac: mac, random: random, state: AuthIdle, logger: loggerOrNop(logger)}, nil
}

// State returns the current state of the handshake.
func (h *BACHandshake) State() AuthState {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.state
}

// Begin takes the challenge RND.ICC of the document and returns the 40 byte EXTERNAL AUTHENTICATE data
// E.IFD | M.IFD.
func (h *BACHandshake) Begin(rndICC []byte) ([]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state != AuthIdle {
		return nil, StateError{Operation: "begin", State: h.state}
	}

	if len(rndICC) != bacRandomLength {
		h.fail()
		return nil, MalformedResponseError{Message: "RND.ICC", Expected: bacRandomLength, Received: len(rndICC)}
	}

	h.rndICC = append([]byte(nil), rndICC...)
	h.rndIFD = make([]byte, bacRandomLength)
	h.kIFD = make([]byte, bacKeySeedLength)

	if _, err := io.ReadFull(h.random, h.rndIFD); err != nil {
		h.fail()
		return nil, errors.Wrap(err, "generate RND.IFD")
	}

	if _, err := io.ReadFull(h.random, h.kIFD); err != nil {
		h.fail()
		return nil, errors.Wrap(err, "generate K.IFD")
	}

	s := make([]byte, 0, bacCryptogramLength)
	s = append(s, h.rndIFD...)
	s = append(s, h.rndICC...)
	s = append(s, h.kIFD...)

	eIFD, err := h.enc.EncryptCBC(s, nil)
	zero(s)

	if err != nil {
		h.fail()
		return nil, errors.Wrap(err, "encrypt S")
	}

	mIFD, err := h.cryptogramMAC(eIFD)
	if err != nil {
		h.fail()
		return nil, errors.Wrap(err, "calculate M.IFD")
	}

	h.state = AuthChallengeSent

	return append(eIFD, mIFD...), nil
}

// Finish verifies the EXTERNAL AUTHENTICATE response E.ICC | M.ICC of the document and returns the session keys
// together with the initial send sequence counter.
func (h *BACHandshake) Finish(response []byte) (SessionKeys, uint64, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state != AuthChallengeSent {
		return SessionKeys{}, 0, StateError{Operation: "finish", State: h.state}
	}

	if len(response) != bacResponseLength {
		h.fail()
		return SessionKeys{}, 0, MalformedResponseError{Message: "EXTERNAL AUTHENTICATE response", Expected: bacResponseLength, Received: len(response)}
	}

	eICC, mICC := response[:bacCryptogramLength], response[bacCryptogramLength:]

	expected, err := h.cryptogramMAC(eICC)
	if err != nil {
		h.fail()
		return SessionKeys{}, 0, errors.Wrap(err, "calculate M.ICC")
	}

	if subtle.ConstantTimeCompare(expected, mICC) != 1 {
		h.fail()
		return SessionKeys{}, 0, ErrAuthenticationFailed
	}

	r, err := h.enc.DecryptCBC(eICC, nil)
	if err != nil {
		h.fail()
		return SessionKeys{}, 0, errors.Wrap(err, "decrypt E.ICC")
	}

	defer zero(r)

	if subtle.ConstantTimeCompare(r[0:8], h.rndICC) != 1 || subtle.ConstantTimeCompare(r[8:16], h.rndIFD) != 1 {
		h.fail()
		return SessionKeys{}, 0, ErrAuthenticationFailed
	}

	seed := xorBytes(h.kIFD, r[16:32])
	defer zero(seed)

	var keys SessionKeys

	if keys.Enc, err = bacDeriveKey(seed, bacCounterEnc); err != nil {
		h.fail()
		return SessionKeys{}, 0, err
	}

	if keys.MAC, err = bacDeriveKey(seed, bacCounterMAC); err != nil {
		h.fail()
		return SessionKeys{}, 0, err
	}

	ssc := uint64(binary.BigEndian.Uint32(h.rndICC[4:8]))<<32 | uint64(binary.BigEndian.Uint32(h.rndIFD[4:8]))

	h.wipe()
	h.state = AuthSucceeded

	h.logger.Debug().Msg("basic access control succeeded")

	return keys, ssc, nil
}

func (h *BACHandshake) cryptogramMAC(cryptogram []byte) ([]byte, error) {
	padded, err := Pad80(cryptogram, 8, true)
	if err != nil {
		return nil, err
	}

	return RetailMAC(h.mac, padded, nil)
}

func (h *BACHandshake) fail() {
	h.wipe()
	h.state = AuthFailed

	h.logger.Debug().Msg("basic access control failed")
}

func (h *BACHandshake) wipe() {
	zero(h.rndICC)
	zero(h.rndIFD)
	zero(h.kIFD)
	h.rndICC, h.rndIFD, h.kIFD = nil, nil, nil
}

// NewBACSession returns a retail MAC secure messaging Session for the result of a BACHandshake.
func NewBACSession(keys SessionKeys, ssc uint64, logger *zerolog.Logger) (*Session, error) {
	return NewSession(keys, SessionConfiguration{MACAlgorithm: MACRetail, SequenceCounter: ssc, Logger: logger})
}

// EstablishBAC performs Basic Access Control with a travel document and returns the secure messaging Session.
//
// This function calls Transmitter.Transmit to transmit the GET CHALLENGE and EXTERNAL AUTHENTICATE commands
// and receive the responses.
func EstablishBAC(transmitter Transmitter, documentNumber, dateOfBirth, dateOfExpiry string, logger *zerolog.Logger) (*Session, error) {
	enc, mac, err := BACKeys(documentNumber, dateOfBirth, dateOfExpiry)
	if err != nil {
		return nil, errors.Wrap(err, "derive document basic access keys")
	}

	handshake, err := NewBACHandshake(enc, mac, nil, logger)
	if err != nil {
		return nil, err
	}

	getChallenge := apdu.Capdu{Cla: 0x00, Ins: 0x84, P1: 0x00, P2: 0x00, Ne: bacRandomLength}

	resp, err := transmitter.Transmit(getChallenge)
	if err != nil {
		return nil, TransmitError{Command: getChallenge, Cause: err}
	}

	if !resp.IsSuccess() {
		return nil, NonSuccessResponseError{Command: getChallenge, Response: resp}
	}

	data, err := handshake.Begin(resp.Data)
	if err != nil {
		return nil, errors.Wrap(err, "answer document challenge")
	}

	externalAuthenticate := apdu.Capdu{Cla: 0x00, Ins: 0x82, P1: 0x00, P2: 0x00, Data: data, Ne: bacResponseLength}

	resp, err = transmitter.Transmit(externalAuthenticate)
	if err != nil {
		return nil, TransmitError{Command: externalAuthenticate, Cause: err}
	}

	if !resp.IsSuccess() {
		// 6300: authentication failed
		if resp.SW1 == 0x63 && resp.SW2 == 0x00 {
			return nil, ErrAuthenticationFailed
		}

		return nil, NonSuccessResponseError{Command: externalAuthenticate, Response: resp}
	}

	keys, ssc, err := handshake.Finish(resp.Data)
	if err != nil {
		return nil, err
	}

	return NewBACSession(keys, ssc, logger)
}
