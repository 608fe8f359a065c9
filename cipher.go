package cardauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/pkg/errors"
)

// BlockCipher is the interface that provides ECB and CBC encryption and decryption under a single key.
// Implementations may hold the key locally or delegate the operation to a remote key custodian;
// every algorithm built on top of BlockCipher yields bit-identical results for both.
//
// src must be a multiple of the block size of Family. A nil or empty iv means the all-zero IV,
// a shorter iv is right-padded with zero bytes.
type BlockCipher interface {
	Family() Family
	EncryptECB(src []byte) ([]byte, error)
	DecryptECB(src []byte) ([]byte, error)
	EncryptCBC(src, iv []byte) ([]byte, error)
	DecryptCBC(src, iv []byte) ([]byte, error)
}

// SingleDESCipher is implemented by 2K3DES BlockCiphers that know whether both halves of their key are equal.
type SingleDESCipher interface {
	BlockCipher
	SingleDES() bool
}

// NewBlockCipher returns a BlockCipher that holds key locally.
// It returns UnsupportedAlgorithmError if the family of key is not known.
func NewBlockCipher(key Key) (BlockCipher, error) {
	var (
		block cipher.Block
		err   error
	)

	switch key.family {
	case FamilyDES:
		block, err = des.NewCipher(key.data)
	case FamilyTripleDES:
		block, err = des.NewTripleDESCipher(resizeDoubleDESToTDES(key.data))
	case FamilyThreeKeyTripleDES:
		block, err = des.NewTripleDESCipher(key.data)
	case FamilyAES:
		block, err = aes.NewCipher(key.data)
	default:
		return nil, UnsupportedAlgorithmError{Family: key.family}
	}

	if err != nil {
		// NewKey guarantees the length, so the standard library can not reject the key.
		panic(errors.Wrapf(err, "cardauth: create %s cipher", key.family).Error())
	}

	return &localCipher{family: key.family, block: block, singleDES: key.HalvesEqual()}, nil
}

type localCipher struct {
	family    Family
	block     cipher.Block
	singleDES bool // 2K3DES key with identical halves
}

func (c *localCipher) SingleDES() bool {
	return c.singleDES
}

func (c *localCipher) Family() Family {
	return c.family
}

func (c *localCipher) EncryptECB(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))

	if err := ecbEncrypt(dst, src, c.block); err != nil {
		return nil, errors.Wrap(err, "encrypt ECB")
	}

	return dst, nil
}

func (c *localCipher) DecryptECB(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))

	if err := ecbDecrypt(dst, src, c.block); err != nil {
		return nil, errors.Wrap(err, "decrypt ECB")
	}

	return dst, nil
}

func (c *localCipher) EncryptCBC(src, iv []byte) ([]byte, error) {
	if len(src)%c.block.BlockSize() != 0 {
		return nil, errors.New("encrypt CBC: src length is not a multiple of the block size")
	}

	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(c.block, normalizeIV(iv, c.block.BlockSize())).CryptBlocks(dst, src)

	return dst, nil
}

func (c *localCipher) DecryptCBC(src, iv []byte) ([]byte, error) {
	if len(src)%c.block.BlockSize() != 0 {
		return nil, errors.New("decrypt CBC: src length is not a multiple of the block size")
	}

	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(c.block, normalizeIV(iv, c.block.BlockSize())).CryptBlocks(dst, src)

	return dst, nil
}

// normalizeIV returns an IV of exactly blockSize bytes: iv right-padded with zero bytes, or truncated.
func normalizeIV(iv []byte, blockSize int) []byte {
	normalized := make([]byte, blockSize)
	copy(normalized, iv)

	return normalized
}

// lastBlock returns a copy of the final block of b.
func lastBlock(b []byte, blockSize int) []byte {
	return append([]byte(nil), b[len(b)-blockSize:]...)
}
