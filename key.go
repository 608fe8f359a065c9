package cardauth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Family identifies a block cipher family together with the key length it requires.
type Family int

const (
	FamilyUnknown           Family = iota // no family, the zero value.
	FamilyDES                             // single DES, 8 byte key.
	FamilyTripleDES                       // two key Triple DES (2K3DES), 16 byte key.
	FamilyThreeKeyTripleDES               // three key Triple DES (3K3DES), 24 byte key.
	FamilyAES                             // AES-128, 16 byte key.
)

// KeyLength returns the length in bytes a key of the Family must have.
func (f Family) KeyLength() int {
	switch f {
	case FamilyDES:
		return 8
	case FamilyTripleDES, FamilyAES:
		return 16
	case FamilyThreeKeyTripleDES:
		return 24
	default:
		return 0
	}
}

// BlockSize returns the cipher block size of the Family in bytes.
func (f Family) BlockSize() int {
	switch f {
	case FamilyDES, FamilyTripleDES, FamilyThreeKeyTripleDES:
		return 8
	case FamilyAES:
		return 16
	default:
		return 0
	}
}

// rb is the constant of the CMAC subkey generation for the Family's block size.
func (f Family) rb() byte {
	if f.BlockSize() == 16 {
		return 0x87
	}

	return 0x1B
}

// IsDES reports whether f belongs to the DES family (DES, 2K3DES or 3K3DES).
func (f Family) IsDES() bool {
	return f == FamilyDES || f == FamilyTripleDES || f == FamilyThreeKeyTripleDES
}

func (f Family) String() string {
	switch f {
	case FamilyDES:
		return "DES"
	case FamilyTripleDES:
		return "3DES"
	case FamilyThreeKeyTripleDES:
		return "3K3DES"
	case FamilyAES:
		return "AES-128"
	default:
		return "unknown"
	}
}

// ParseFamily parses the textual representation of a Family as used in configuration files.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "des":
		return FamilyDES, nil
	case "3des", "2k3des", "tdes":
		return FamilyTripleDES, nil
	case "3k3des":
		return FamilyThreeKeyTripleDES, nil
	case "aes", "aes128", "aes-128":
		return FamilyAES, nil
	default:
		return FamilyUnknown, errors.Errorf("unknown key family %q", s)
	}
}

// Key is symmetric key material tagged with its Family. A Key is never mutated; deriving a key
// always produces a new value. The zero value represents "no key configured".
type Key struct {
	family          Family
	data            []byte
	diversification *Diversification
}

// NewKey returns a Key for family. It copies data and returns KeyLengthError if the length of data does not match.
func NewKey(family Family, data []byte) (Key, error) {
	if family.KeyLength() == 0 {
		return Key{}, UnsupportedAlgorithmError{Family: family}
	}

	if len(data) != family.KeyLength() {
		return Key{}, KeyLengthError{Family: family, Expected: family.KeyLength(), Received: len(data)}
	}

	return Key{family: family, data: append([]byte(nil), data...)}, nil
}

// DefaultKey returns the all-zero key of the given family.
// It panics if family is unknown.
func DefaultKey(family Family) Key {
	if family.KeyLength() == 0 {
		panic("cardauth: default key requested for unknown family")
	}

	return Key{family: family, data: make([]byte, family.KeyLength())}
}

// Family returns the Family of the key.
func (k Key) Family() Family {
	return k.family
}

// Bytes returns a copy of the raw key material.
func (k Key) Bytes() []byte {
	return append([]byte(nil), k.data...)
}

// Configured reports whether k holds key material, as opposed to the zero Key.
func (k Key) Configured() bool {
	return k.family != FamilyUnknown
}

// IsDefault reports whether k is the all-zero key of its family.
func (k Key) IsDefault() bool {
	if !k.Configured() {
		return false
	}

	for _, b := range k.data {
		if b != 0x00 {
			return false
		}
	}

	return true
}

// Equal compares two keys in constant time with respect to the key material.
func (k Key) Equal(other Key) bool {
	return k.family == other.family && subtle.ConstantTimeCompare(k.data, other.data) == 1
}

// Diversification returns the diversification descriptor attached to k, if any.
func (k Key) Diversification() (Diversification, bool) {
	if k.diversification == nil {
		return Diversification{}, false
	}

	return *k.diversification, true
}

// WithDiversification returns a copy of k that carries the given diversification descriptor.
func (k Key) WithDiversification(d Diversification) Key {
	k.diversification = &d

	return k
}

// GoString never includes key material.
func (k Key) GoString() string {
	return k.String()
}

// String never includes key material.
func (k Key) String() string {
	if !k.Configured() {
		return "Key(none)"
	}

	return fmt.Sprintf("Key(%s)", k.family)
}

// HalvesEqual reports whether a 2K3DES key has identical halves, which makes it behave as single DES.
func (k Key) HalvesEqual() bool {
	return k.family == FamilyTripleDES && subtle.ConstantTimeCompare(k.data[:8], k.data[8:]) == 1
}
