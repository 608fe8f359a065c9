package cardauth

import (
	"crypto/rand"
	"crypto/subtle"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// AuthState is the state of an AuthSession.
type AuthState int

const (
	AuthIdle          AuthState = iota // no message exchanged yet.
	AuthChallengeSent                  // card challenge answered, waiting for the final card message.
	AuthSucceeded                      // session keys derived.
	AuthFailed                         // verification failed or card data was malformed.
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthChallengeSent:
		return "challenge sent"
	case AuthSucceeded:
		return "succeeded"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthVariant selects the mutual authentication protocol.
type AuthVariant int

const (
	// VariantEV1 is the DESFire EV1 ISO/AES authentication. The CBC IV chains through the exchange and session
	// keys are assembled from byte windows of RndA and RndB.
	VariantEV1 AuthVariant = iota
	// VariantEV2First is the DESFire EV2 first authentication (AES only). Every message uses the zero IV, the card
	// returns a transaction identifier and capabilities, and session keys are derived with CMAC.
	VariantEV2First
)

func (v AuthVariant) String() string {
	switch v {
	case VariantEV1:
		return "EV1"
	case VariantEV2First:
		return "EV2First"
	default:
		return "unknown"
	}
}

const ev2FinalMessageLength = 32

// SessionKeys are the keys derived by a successful authentication.
type SessionKeys struct {
	Enc           Key    // session encryption key.
	MAC           Key    // session MAC key.
	TransactionID []byte // transaction identifier returned by the card (EV2First only).
	PDCap2        []byte // PD capabilities returned by the card (EV2First only).
	PCDCap2       []byte // PCD capabilities returned by the card (EV2First only).
}

// AuthSessionConfiguration is the configuration of an AuthSession.
type AuthSessionConfiguration struct {
	Variant AuthVariant     // authentication protocol.
	Random  io.Reader       // source of RndA, crypto/rand.Reader if nil. Must be safe for concurrent use if shared.
	Logger  *zerolog.Logger // logger for state transitions, no logging if nil.
}

// AuthSession drives one mutual challenge-response authentication with a card:
// Idle -> ChallengeSent -> Succeeded | Failed. Succeeded and Failed are terminal; a new authentication requires
// a new AuthSession. The randoms are wiped as soon as the session reaches a terminal state.
type AuthSession struct {
	cipher  BlockCipher
	variant AuthVariant
	random  io.Reader
	logger  zerolog.Logger
	state   AuthState
	rndA    []byte
	rndB    []byte
	iv      []byte
	keys    SessionKeys
	lock    sync.Mutex
}

// NewAuthSession returns an AuthSession in state AuthIdle that authenticates with the key held by c.
func NewAuthSession(c BlockCipher, config AuthSessionConfiguration) (*AuthSession, error) {
	family := c.Family()

	switch config.Variant {
	case VariantEV1:
		if randomLength(family) == 0 {
			return nil, UnsupportedAlgorithmError{Family: family, Operation: "EV1 authentication"}
		}
	case VariantEV2First:
		if family != FamilyAES {
			return nil, UnsupportedAlgorithmError{Family: family, Operation: "EV2First authentication"}
		}
	default:
		return nil, errors.Errorf("unknown authentication variant %d", config.Variant)
	}

	random := config.Random
	if random == nil {
		random = rand.Reader
	}

	return &AuthSession{
		cipher:  c,
		variant: config.Variant,
		random:  random,
		logger:  loggerOrNop(config.Logger),
		state:   AuthIdle,
		iv:      make([]byte, family.BlockSize()),
	}, nil
}

// randomLength returns the length of RndA and RndB for the family.
func randomLength(family Family) int {
	switch family {
	case FamilyDES, FamilyTripleDES:
		return 8
	case FamilyThreeKeyTripleDES, FamilyAES:
		return 16
	default:
		return 0
	}
}

// State returns the current state of the AuthSession.
func (session *AuthSession) State() AuthState {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.state
}

// SessionKeys returns the derived session keys. The second return value is false unless the state is AuthSucceeded.
func (session *AuthSession) SessionKeys() (SessionKeys, bool) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state != AuthSucceeded {
		return SessionKeys{}, false
	}

	return session.keys, true
}

// Begin deciphers the encrypted RndB received from the card, generates RndA and returns the enciphered
// RndA | RndB' that has to be transmitted to the card, RndB' being RndB rotated left by one byte.
func (session *AuthSession) Begin(encryptedRndB []byte) ([]byte, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state != AuthIdle {
		return nil, StateError{Operation: "begin", State: session.state}
	}

	family := session.cipher.Family()
	n := randomLength(family)

	if len(encryptedRndB) != n {
		session.fail()
		return nil, MalformedResponseError{Message: "encrypted RndB", Expected: n, Received: len(encryptedRndB)}
	}

	rndB, err := session.cipher.DecryptCBC(encryptedRndB, session.iv)
	if err != nil {
		session.fail()
		return nil, errors.Wrap(err, "decipher RndB")
	}

	if session.variant == VariantEV1 {
		session.iv = lastBlock(encryptedRndB, family.BlockSize())
	}

	rndA := make([]byte, n)
	if _, err = io.ReadFull(session.random, rndA); err != nil {
		zero(rndB)
		session.fail()
		return nil, errors.Wrap(err, "generate RndA")
	}

	session.rndA = rndA
	session.rndB = rndB

	rotatedB := rotateLeft(rndB)
	message := append(append(make([]byte, 0, 2*n), rndA...), rotatedB...)

	response, err := session.cipher.EncryptCBC(message, session.iv)
	zero(message)
	zero(rotatedB)

	if err != nil {
		session.fail()
		return nil, errors.Wrap(err, "encipher RndA and RndB'")
	}

	if session.variant == VariantEV1 {
		session.iv = lastBlock(response, family.BlockSize())
	}

	session.state = AuthChallengeSent

	session.logger.Debug().
		Str("variant", session.variant.String()).
		Str("family", family.String()).
		Msg("authentication challenge answered")

	return response, nil
}

// Finish verifies the final message of the card and derives the session keys.
// A mismatch of the echoed RndA returns ErrAuthenticationFailed, a message of unexpected length returns
// MalformedResponseError. Both leave the AuthSession in state AuthFailed.
func (session *AuthSession) Finish(cardFinalMessage []byte) (SessionKeys, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if session.state != AuthChallengeSent {
		return SessionKeys{}, StateError{Operation: "finish", State: session.state}
	}

	expected := len(session.rndA)
	if session.variant == VariantEV2First {
		expected = ev2FinalMessageLength
	}

	if len(cardFinalMessage) != expected {
		session.fail()
		return SessionKeys{}, MalformedResponseError{Message: "final card message", Expected: expected, Received: len(cardFinalMessage)}
	}

	plain, err := session.cipher.DecryptCBC(cardFinalMessage, session.iv)
	if err != nil {
		session.fail()
		return SessionKeys{}, errors.Wrap(err, "decipher final card message")
	}

	defer zero(plain)

	var keys SessionKeys

	echoed := plain
	if session.variant == VariantEV2First {
		keys.TransactionID = append([]byte(nil), plain[0:4]...)
		echoed = plain[4:20]
		keys.PDCap2 = append([]byte(nil), plain[20:26]...)
		keys.PCDCap2 = append([]byte(nil), plain[26:32]...)
	}

	rotatedA := rotateLeft(session.rndA)
	defer zero(rotatedA)

	if subtle.ConstantTimeCompare(echoed, rotatedA) != 1 {
		session.fail()
		return SessionKeys{}, ErrAuthenticationFailed
	}

	switch session.variant {
	case VariantEV2First:
		keys.Enc, keys.MAC, err = deriveEV2SessionKeys(session.cipher, session.rndA, session.rndB)
	default:
		keys.Enc, err = deriveEV1SessionKey(session.cipher, session.rndA, session.rndB)
		keys.MAC = keys.Enc
	}

	if err != nil {
		session.fail()
		return SessionKeys{}, errors.Wrap(err, "derive session keys")
	}

	session.wipe()
	session.keys = keys
	session.state = AuthSucceeded

	session.logger.Debug().
		Str("variant", session.variant.String()).
		Str("family", session.cipher.Family().String()).
		Msg("authentication succeeded")

	return keys, nil
}

func (session *AuthSession) fail() {
	session.wipe()
	session.state = AuthFailed

	session.logger.Debug().
		Str("variant", session.variant.String()).
		Msg("authentication failed")
}

func (session *AuthSession) wipe() {
	zero(session.rndA)
	zero(session.rndB)
	zero(session.iv)
	session.rndA = nil
	session.rndB = nil
}

// deriveEV1SessionKey assembles the session key from byte windows of RndA and RndB.
func deriveEV1SessionKey(c BlockCipher, rndA, rndB []byte) (Key, error) {
	family := c.Family()

	n := randomLength(family)
	if len(rndA) != n || len(rndB) != n {
		return Key{}, errors.Errorf("random length mismatch for %s", family)
	}

	var windows [][2]int

	switch family {
	case FamilyDES:
		windows = [][2]int{{0, 4}}
	case FamilyTripleDES:
		if sd, ok := c.(SingleDESCipher); ok && sd.SingleDES() {
			windows = [][2]int{{0, 4}, {0, 4}}
		} else {
			windows = [][2]int{{0, 4}, {4, 8}}
		}
	case FamilyThreeKeyTripleDES:
		windows = [][2]int{{0, 4}, {6, 10}, {12, 16}}
	case FamilyAES:
		windows = [][2]int{{0, 4}, {12, 16}}
	default:
		return Key{}, UnsupportedAlgorithmError{Family: family, Operation: "session key derivation"}
	}

	data := make([]byte, 0, family.KeyLength())
	for _, w := range windows {
		data = append(data, rndA[w[0]:w[1]]...)
		data = append(data, rndB[w[0]:w[1]]...)
	}

	key, err := NewKey(family, data)
	zero(data)

	return key, err
}

// deriveEV2SessionKeys derives the session encryption and MAC keys with CMAC over the session vectors SV1 and SV2.
func deriveEV2SessionKeys(c BlockCipher, rndA, rndB []byte) (Key, Key, error) {
	if len(rndA) != 16 || len(rndB) != 16 {
		return Key{}, Key{}, errors.New("random length mismatch for EV2 session vectors")
	}

	m, err := NewCMAC(c)
	if err != nil {
		return Key{}, Key{}, errors.Wrap(err, "derive CMAC subkeys")
	}

	sv1 := ev2SessionVector([2]byte{0xA5, 0x5A}, rndA, rndB)
	sv2 := ev2SessionVector([2]byte{0x5A, 0xA5}, rndA, rndB)

	defer zero(sv1)
	defer zero(sv2)

	enc, err := m.Sum(sv1, CMACParameters{})
	if err != nil {
		return Key{}, Key{}, errors.Wrap(err, "calculate CMAC over SV1")
	}

	mac, err := m.Sum(sv2, CMACParameters{})
	if err != nil {
		return Key{}, Key{}, errors.Wrap(err, "calculate CMAC over SV2")
	}

	encKey, err := NewKey(FamilyAES, enc)
	if err != nil {
		return Key{}, Key{}, err
	}

	macKey, err := NewKey(FamilyAES, mac)
	if err != nil {
		return Key{}, Key{}, err
	}

	zero(enc)
	zero(mac)

	return encKey, macKey, nil
}

// ev2SessionVector returns label | 00 01 00 80 | RndA[0:2] | (RndA[2:8] xor RndB[0:6]) | RndB[6:16] | RndA[8:16].
func ev2SessionVector(label [2]byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 0, 32)
	sv = append(sv, label[0], label[1], 0x00, 0x01, 0x00, 0x80)
	sv = append(sv, rndA[0:2]...)
	sv = append(sv, xorBytes(rndA[2:8], rndB[0:6])...)
	sv = append(sv, rndB[6:16]...)
	sv = append(sv, rndA[8:16]...)

	return sv
}

func loggerOrNop(logger *zerolog.Logger) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}

	return *logger
}
