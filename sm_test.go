package cardauth

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/skythen/apdu"
)

// smCard is the card side of a secure messaging session. It shares the keys and the SSC with the host.
type smCard struct {
	t       *testing.T
	session *Session
}

func newSMPair(t *testing.T, keys SessionKeys, config SessionConfiguration) (*Session, *smCard) {
	t.Helper()

	host, err := NewSession(keys, config)
	if err != nil {
		t.Fatalf("create host session: %v", err)
	}

	card, err := NewSession(keys, config)
	if err != nil {
		t.Fatalf("create card session: %v", err)
	}

	return host, &smCard{t: t, session: card}
}

// receive verifies a protected command and returns the plain command data and Ne.
func (card *smCard) receive(protected apdu.Capdu) ([]byte, int) {
	card.t.Helper()

	s := card.session
	s.ssc++

	var do87, do97, mac []byte

	rest := protected.Data
	for len(rest) > 0 {
		tag, value, raw, next, err := parseTLV(rest)
		if err != nil {
			card.t.Fatalf("card: parse protected command: %v", err)
		}

		switch tag {
		case tagEncryptedData:
			do87 = raw
		case tagExpectedLength:
			do97 = raw
		case tagChecksum:
			mac = value
		default:
			card.t.Fatalf("card: unexpected tag %02X", tag)
		}

		rest = next
	}

	header, err := Pad80([]byte{protected.Cla, protected.Ins, protected.P1, protected.P2}, s.macBlockSize, true)
	if err != nil {
		card.t.Fatalf("card: %v", err)
	}

	expected, err := s.checksum(header, do87, do97)
	if err != nil {
		card.t.Fatalf("card: %v", err)
	}

	if !bytes.Equal(expected, mac) {
		card.t.Fatalf("card: command checksum mismatch")
	}

	var data []byte

	if do87 != nil {
		_, value, _, _, _ := parseTLV(do87)

		if data, err = s.decryptResponseData(value); err != nil {
			card.t.Fatalf("card: decrypt command data: %v", err)
		}
	}

	ne := 0
	if do97 != nil {
		ne = leToNe(do97[2])
	}

	return data, ne
}

// respond protects a response with data and status word.
func (card *smCard) respond(data []byte, sw1, sw2 byte) apdu.Rapdu {
	card.t.Helper()

	s := card.session
	s.ssc++

	var do87 []byte

	if len(data) > 0 {
		padded, err := Pad80(data, s.enc.Family().BlockSize(), true)
		if err != nil {
			card.t.Fatalf("card: %v", err)
		}

		encrypted, err := s.enc.EncryptCBC(padded, nil)
		if err != nil {
			card.t.Fatalf("card: %v", err)
		}

		do87 = encodeTLV(tagEncryptedData, append([]byte{paddingIndicatorISO}, encrypted...))
	}

	do99 := []byte{tagProcessingStatus, 0x02, sw1, sw2}

	mac, err := s.checksum(nil, do87, do99)
	if err != nil {
		card.t.Fatalf("card: %v", err)
	}

	body := append(append(append([]byte(nil), do87...), do99...), tagChecksum, byte(len(mac)))
	body = append(body, mac...)

	return apdu.Rapdu{Data: body, SW1: 0x90, SW2: 0x00}
}

func aesSessionKeys() SessionKeys {
	return SessionKeys{
		Enc: mustKey(FamilyAES, "0102030405060708090A0B0C0D0E0F10"),
		MAC: mustKey(FamilyAES, "1112131415161718191A1B1C1D1E1F20"),
	}
}

func TestSession_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		keys   SessionKeys
		config SessionConfiguration
	}{
		{
			name:   "AES CMAC",
			keys:   aesSessionKeys(),
			config: SessionConfiguration{},
		},
		{
			name: "3DES CMAC",
			keys: SessionKeys{
				Enc: mustKey(FamilyTripleDES, "0102030405060708090A0B0C0D0E0F10"),
				MAC: mustKey(FamilyTripleDES, "1112131415161718191A1B1C1D1E1F20"),
			},
			config: SessionConfiguration{SequenceCounter: 0x1122334455667788},
		},
		{
			name: "3DES retail MAC",
			keys: SessionKeys{
				Enc: mustKey(FamilyTripleDES, "0102030405060708090A0B0C0D0E0F10"),
				MAC: mustKey(FamilyTripleDES, "1112131415161718191A1B1C1D1E1F20"),
			},
			config: SessionConfiguration{MACAlgorithm: MACRetail},
		},
	}

	commands := []apdu.Capdu{
		{Cla: 0x00, Ins: 0xA4, P1: 0x04, P2: 0x0C, Data: []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}},
		{Cla: 0x00, Ins: 0xB0, P1: 0x00, P2: 0x00, Ne: 4},
		{Cla: 0x00, Ins: 0xB0, P1: 0x00, P2: 0x00, Ne: 256},
		{Cla: 0x00, Ins: 0xD6, P1: 0x00, P2: 0x10, Data: bytes.Repeat([]byte{0x5A}, 16), Ne: 2},
		{Cla: 0x00, Ins: 0x84, P1: 0x00, P2: 0x00},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, card := newSMPair(t, tc.keys, tc.config)

			for i, command := range commands {
				protected, err := host.Wrap(command)
				if err != nil {
					t.Fatalf("command %d: Wrap returned error: %v", i, err)
				}

				if protected.Cla != 0x0C || protected.Ins != command.Ins || protected.P1 != command.P1 || protected.P2 != command.P2 {
					t.Fatalf("command %d: unexpected protected header %+v", i, protected)
				}

				data, ne := card.receive(protected)

				if !bytes.Equal(command.Data, data) || ne != command.Ne {
					t.Fatalf("command %d: card received data %X Ne %d", i, data, ne)
				}

				responseData := bytes.Repeat([]byte{byte(i)}, i*3)

				plain, err := host.Unwrap(card.respond(responseData, 0x90, 0x00))
				if err != nil {
					t.Fatalf("command %d: Unwrap returned error: %v", i, err)
				}

				if !bytes.Equal(responseData, plain.Data) || plain.SW1 != 0x90 || plain.SW2 != 0x00 {
					t.Fatalf("command %d: unexpected plain response %+v", i, plain)
				}
			}

			if expected := tc.config.SequenceCounter + uint64(2*len(commands)); host.SequenceCounter() != expected {
				t.Errorf("expected SSC %d, got %d", expected, host.SequenceCounter())
			}
		})
	}
}

func TestSession_EncodeCase1Command(t *testing.T) {
	host, card := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

	encoded, err := host.EncodeCommand([]byte{0x00, 0x84, 0x00, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// header | Lc | 8E 08 MAC | Le
	if len(encoded) != 16 {
		t.Fatalf("expected 16 bytes, got %d: %X", len(encoded), encoded)
	}

	if encoded[4] != 0x0A || encoded[5] != 0x8E || encoded[6] != 0x08 || encoded[15] != 0x00 {
		t.Errorf("unexpected structure %X", encoded)
	}

	protected, err := parseCommand(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	card.receive(protected)

	rapdu := card.respond(nil, 0x6A, 0x82)

	decoded, err := host.DecodeResponse(responseBytes(rapdu))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := cmp.Diff([]byte{0x6A, 0x82}, decoded); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_IntegrityFailureClosesSession(t *testing.T) {
	host, card := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

	protected, err := host.Wrap(apdu.Capdu{Cla: 0x00, Ins: 0xB0, P1: 0x00, P2: 0x00, Ne: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	card.receive(protected)

	rapdu := card.respond([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, 0x90, 0x00)
	// flip a bit in the encrypted data
	rapdu.Data[4] ^= 0x01

	_, err = host.Unwrap(rapdu)
	if !errors.Is(err, ErrIntegrityFailed) {
		t.Fatalf("expected ErrIntegrityFailed, got %v", err)
	}

	if !host.Closed() {
		t.Fatalf("session must be closed after an integrity failure")
	}

	if _, err = host.Wrap(apdu.Capdu{Ins: 0xB0}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	if _, err = host.Unwrap(rapdu); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}

	if host.MaximumCommandPayloadLength() != 0 {
		t.Errorf("closed session must not accept payload")
	}
}

func TestSession_ReplayedResponseFails(t *testing.T) {
	host, card := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

	protected, err := host.Wrap(apdu.Capdu{Ins: 0xB0, Ne: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	card.receive(protected)
	rapdu := card.respond([]byte{0x01}, 0x90, 0x00)

	if _, err = host.Unwrap(rapdu); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err = host.Wrap(apdu.Capdu{Ins: 0xB0, Ne: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err = host.Unwrap(rapdu); !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("expected ErrIntegrityFailed for a replayed response, got %v", err)
	}
}

func TestSession_MalformedResponseClosesSession(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "missing DO'99'", data: []byte{0x8E, 0x08, 0, 0, 0, 0, 0, 0, 0, 0}},
		{name: "missing DO'8E'", data: []byte{0x99, 0x02, 0x90, 0x00}},
		{name: "short checksum", data: []byte{0x99, 0x02, 0x90, 0x00, 0x8E, 0x04, 0, 0, 0, 0}},
		{name: "truncated DO'87'", data: []byte{0x87, 0x11, 0x01, 0x02}},
		{name: "trailing data", data: []byte{0x99, 0x02, 0x90, 0x00, 0x8E, 0x08, 0, 0, 0, 0, 0, 0, 0, 0, 0x00}},
		{name: "unsupported length", data: []byte{0x87, 0x83, 0x00, 0x00, 0x01}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, _ := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

			_, err := host.Unwrap(apdu.Rapdu{Data: tc.data, SW1: 0x90, SW2: 0x00})

			var malformed MalformedResponseError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected MalformedResponseError, got %v", err)
			}

			if !host.Closed() {
				t.Errorf("session must be closed")
			}
		})
	}
}

func TestSession_SequenceCounterWraps(t *testing.T) {
	host, card := newSMPair(t, aesSessionKeys(), SessionConfiguration{SequenceCounter: math.MaxUint64})

	protected, err := host.Wrap(apdu.Capdu{Ins: 0xB0, Ne: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if host.SequenceCounter() != 0 {
		t.Fatalf("expected SSC 0 after wrap around, got %d", host.SequenceCounter())
	}

	card.receive(protected)

	if _, err = host.Unwrap(card.respond([]byte{0x01}, 0x90, 0x00)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if host.SequenceCounter() != 1 {
		t.Errorf("expected SSC 1, got %d", host.SequenceCounter())
	}
}

func TestSession_ClassByte(t *testing.T) {
	tests := []struct {
		cla      byte
		expected byte
	}{
		{cla: 0x00, expected: 0x0C},
		{cla: 0x01, expected: 0x0D},
		{cla: 0x03, expected: 0x0F},
		{cla: 0x10, expected: 0x0C}, // chaining indication removed
		{cla: 0x40, expected: 0x60},
		{cla: 0x4F, expected: 0x6F},
	}

	for _, tc := range tests {
		host, _ := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

		protected, err := host.Wrap(apdu.Capdu{Cla: tc.cla, Ins: 0xB0})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if protected.Cla != tc.expected {
			t.Errorf("CLA %02X: expected %02X, got %02X", tc.cla, tc.expected, protected.Cla)
		}
	}
}

func TestSession_PayloadLimits(t *testing.T) {
	host, card := newSMPair(t, aesSessionKeys(), SessionConfiguration{})

	limit := host.MaximumCommandPayloadLength()
	if limit <= 0 || limit >= maxLenCommandShort {
		t.Fatalf("unexpected maximum payload length %d", limit)
	}

	protected, err := host.Wrap(apdu.Capdu{Ins: 0xD6, Data: bytes.Repeat([]byte{0x01}, limit), Ne: 256})
	if err != nil {
		t.Fatalf("payload of maximum length rejected: %v", err)
	}

	if len(protected.Data) > maxLenCommandShort {
		t.Fatalf("protected data of %d bytes exceeds short length", len(protected.Data))
	}

	card.receive(protected)

	if _, err = host.Wrap(apdu.Capdu{Ins: 0xD6, Data: make([]byte, maxLenCommandShort), Ne: 256}); err == nil {
		t.Errorf("expected error for payload exceeding the protected limit")
	}

	if _, err = host.EncodeCommand([]byte{0x00, 0xB0, 0x00, 0x00, 0x00, 0x01, 0x00}); err == nil {
		t.Errorf("expected error for extended length command")
	}
}

func TestNewSession_Errors(t *testing.T) {
	if _, err := NewSession(SessionKeys{}, SessionConfiguration{}); err == nil {
		t.Errorf("expected error for missing keys")
	}

	if _, err := NewSession(aesSessionKeys(), SessionConfiguration{MACAlgorithm: MACRetail}); err == nil {
		t.Errorf("expected error for retail MAC with AES key")
	}
}
