package cardauth

import (
	"github.com/pkg/errors"
)

const (
	// MaxDiversificationInput is the maximum length of diversification input, excluding the constant prefix.
	MaxDiversificationInput = 31

	divPaddingSizeAES     = 32
	divPaddingSizeDES     = 16
	applicationIDMaxValue = 0xFFFFFF
)

const (
	divConstantAES     byte = 0x01
	divConstantDES1    byte = 0x21
	divConstantDES2    byte = 0x22
	divConstant3K3DES1 byte = 0x31
	divConstant3K3DES2 byte = 0x32
	divConstant3K3DES3 byte = 0x33
)

// Diversification describes how a master key is diversified according to NXP AN10922 (AV2 diversification).
type Diversification struct {
	Input            []byte // explicit diversification input, replaces UID | AID | key number if present.
	SystemIdentifier []byte // replaces the key number byte of the composed input if present.
	ReverseAID       bool   // use the AID in little-endian byte order.
	ForceK2          bool   // use CMAC subkey K2 even if no padding is applied.
}

// DiversificationInput returns the diversification input for the given card and application.
// An explicit Input is returned verbatim, truncated to MaxDiversificationInput bytes. Otherwise the input
// is composed as UID | AID (3 bytes) | key number, with the key number replaced by SystemIdentifier if set.
func (d Diversification) DiversificationInput(uid []byte, aid uint32, keyNo byte) ([]byte, error) {
	if len(d.Input) > 0 {
		input := d.Input
		if len(input) > MaxDiversificationInput {
			input = input[:MaxDiversificationInput]
		}

		return append([]byte(nil), input...), nil
	}

	if len(uid) == 0 {
		return nil, errors.New("diversification requires the card UID when no explicit input is given")
	}

	if aid > applicationIDMaxValue {
		return nil, errors.Errorf("AID %06X exceeds 3 bytes", aid)
	}

	aidBytes := []byte{byte(aid >> 16), byte(aid >> 8), byte(aid)}
	if d.ReverseAID {
		aidBytes[0], aidBytes[2] = aidBytes[2], aidBytes[0]
	}

	input := make([]byte, 0, len(uid)+len(aidBytes)+len(d.SystemIdentifier)+1)
	input = append(input, uid...)
	input = append(input, aidBytes...)

	if len(d.SystemIdentifier) > 0 {
		input = append(input, d.SystemIdentifier...)
	} else {
		input = append(input, keyNo)
	}

	if len(input) > MaxDiversificationInput {
		return nil, errors.Errorf("composed diversification input exceeds %d bytes", MaxDiversificationInput)
	}

	return input, nil
}

// Diversify derives the card-instance key of master for the given UID, AID and key number.
// The result carries no diversification descriptor; it is the key stored on the card.
func Diversify(master Key, uid []byte, aid uint32, keyNo byte, d Diversification) (Key, error) {
	input, err := d.DiversificationInput(uid, aid, keyNo)
	if err != nil {
		return Key{}, errors.Wrap(err, "build diversification input")
	}

	c, err := NewBlockCipher(master)
	if err != nil {
		return Key{}, err
	}

	return DiversifyWith(c, input, d.ForceK2)
}

// DiversifyWith derives a diversified key from prepared diversification input with the master key held by c.
//
// AES runs one CMAC pass over 01 | input padded to 32 bytes. 2K3DES runs two passes with the constants 21 and 22,
// 3K3DES three passes with 31, 32 and 33, each padded to 16 bytes; the final block of every pass is concatenated.
// A DES master key yields a 2K3DES key.
func DiversifyWith(c BlockCipher, input []byte, forceK2 bool) (Key, error) {
	if len(input) > MaxDiversificationInput {
		return Key{}, errors.Errorf("diversification input exceeds %d bytes", MaxDiversificationInput)
	}

	m, err := NewCMAC(c)
	if err != nil {
		return Key{}, errors.Wrap(err, "derive CMAC subkeys of master key")
	}

	var (
		constants   []byte
		paddingSize int
		family      Family
	)

	switch c.Family() {
	case FamilyAES:
		constants, paddingSize, family = []byte{divConstantAES}, divPaddingSizeAES, FamilyAES
	case FamilyDES, FamilyTripleDES:
		constants, paddingSize, family = []byte{divConstantDES1, divConstantDES2}, divPaddingSizeDES, FamilyTripleDES
	case FamilyThreeKeyTripleDES:
		constants, paddingSize, family = []byte{divConstant3K3DES1, divConstant3K3DES2, divConstant3K3DES3}, divPaddingSizeDES, FamilyThreeKeyTripleDES
	default:
		return Key{}, UnsupportedAlgorithmError{Family: c.Family(), Operation: "diversification"}
	}

	derived := make([]byte, 0, family.KeyLength())

	for _, constant := range constants {
		message := append([]byte{constant}, input...)

		mac, err := m.Sum(message, CMACParameters{PaddingSize: paddingSize, ForceK2: forceK2})
		if err != nil {
			return Key{}, errors.Wrapf(err, "calculate CMAC for constant %02X", constant)
		}

		derived = append(derived, mac...)
	}

	key, err := NewKey(family, derived)
	zero(derived)

	return key, err
}

// CardKey returns the key to authenticate with on the card identified by uid: key diversified with its attached
// descriptor, or key itself if no descriptor is attached.
func CardKey(key Key, uid []byte, aid uint32, keyNo byte) (Key, error) {
	d, ok := key.Diversification()
	if !ok {
		return key, nil
	}

	return Diversify(key, uid, aid, keyNo, d)
}
