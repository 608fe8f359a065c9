package cardauth

import (
	"github.com/pkg/errors"
)

// CMACParameters controls a CMAC computation beyond the plain RFC 4493 / NIST SP 800-38B construction.
type CMACParameters struct {
	IV          []byte // chained IV for the CBC pass, empty means the zero IV.
	PaddingSize int    // message is padded to a multiple of PaddingSize, 0 means the block size.
	ForceK2     bool   // use subkey K2 even if no padding was applied.
}

// CMAC calculates cipher-based message authentication codes with the subkeys derived from a BlockCipher.
// A CMAC is bound to the key of its BlockCipher and may be reused for any number of messages.
type CMAC struct {
	cipher BlockCipher
	k1     []byte
	k2     []byte
}

// NewCMAC derives the subkeys K1 and K2 by encrypting an all-zero block with c and returns a CMAC.
func NewCMAC(c BlockCipher) (*CMAC, error) {
	family := c.Family()

	blockSize := family.BlockSize()
	if blockSize == 0 {
		return nil, UnsupportedAlgorithmError{Family: family, Operation: "CMAC"}
	}

	l, err := c.EncryptECB(make([]byte, blockSize))
	if err != nil {
		return nil, errors.Wrap(err, "encrypt zero block for subkey derivation")
	}

	if len(l) != blockSize {
		return nil, errors.Errorf("subkey derivation returned %d bytes instead of %d", len(l), blockSize)
	}

	k1 := shiftSubkey(l, family.rb())
	k2 := shiftSubkey(k1, family.rb())

	zero(l)

	return &CMAC{cipher: c, k1: k1, k2: k2}, nil
}

// shiftSubkey shifts b left by one bit and xors rb into the last byte if the most significant bit of b was set.
func shiftSubkey(b []byte, rb byte) []byte {
	shifted := make([]byte, len(b))

	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		shifted[i] = b[i]<<1 | carry
		carry = b[i] >> 7
	}

	shifted[len(shifted)-1] ^= rb & -carry

	return shifted
}

// Chain pads message, xors the final block with K1 or K2 and returns the complete CBC ciphertext of the
// result. The last block of the ciphertext is the CMAC, earlier blocks are used by key diversification.
//
// The message is padded with ISO/IEC 9797-1 padding method 2 if its length is not a positive multiple of
// the padding size; an empty message is always padded. K2 is used if padding was applied or ForceK2 is set.
func (m *CMAC) Chain(message []byte, params CMACParameters) ([]byte, error) {
	blockSize := m.cipher.Family().BlockSize()

	paddingSize := params.PaddingSize
	if paddingSize == 0 {
		paddingSize = blockSize
	}

	if paddingSize < 0 || paddingSize%blockSize != 0 {
		return nil, errors.Errorf("padding size %d is not a multiple of the block size %d", paddingSize, blockSize)
	}

	pad := (paddingSize - len(message)%paddingSize) % paddingSize
	if len(message) == 0 {
		pad = paddingSize
	}

	padded := make([]byte, len(message)+pad)
	copy(padded, message)

	if pad > 0 {
		padded[len(message)] = 0x80
	}

	subkey := m.k1
	if pad > 0 || params.ForceK2 {
		subkey = m.k2
	}

	final := padded[len(padded)-blockSize:]
	for i := range final {
		final[i] ^= subkey[i]
	}

	ciphertext, err := m.cipher.EncryptCBC(padded, params.IV)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt padded message")
	}

	zero(padded)

	return ciphertext, nil
}

// Sum returns the full-block CMAC of message.
func (m *CMAC) Sum(message []byte, params CMACParameters) ([]byte, error) {
	ciphertext, err := m.Chain(message, params)
	if err != nil {
		return nil, err
	}

	return lastBlock(ciphertext, m.cipher.Family().BlockSize()), nil
}

// MAC returns the CMAC of message with a zero IV truncated to size bytes. A size of 0 or larger than the
// block size returns the full block.
func (m *CMAC) MAC(message []byte, size int) ([]byte, error) {
	mac, err := m.Sum(message, CMACParameters{})
	if err != nil {
		return nil, err
	}

	if size > 0 && size < len(mac) {
		mac = mac[:size]
	}

	return mac, nil
}

// ComputeCMAC calculates the full-block CMAC of message under a local key.
func ComputeCMAC(key Key, message []byte, params CMACParameters) ([]byte, error) {
	c, err := NewBlockCipher(key)
	if err != nil {
		return nil, err
	}

	m, err := NewCMAC(c)
	if err != nil {
		return nil, errors.Wrap(err, "derive CMAC subkeys")
	}

	return m.Sum(message, params)
}
