package cardauth

import (
	"crypto/cipher"
	"crypto/des"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Pad80 takes data and a block size (must be a multiple of 8) and appends '80' and zero bytes to data until
// the length of the resulting []byte reaches a multiple of the block size and returns the padded data.
// If force is false, the padding will only be applied, if length of data is not a multiple of the block size.
// If force is true, the padding will be applied anyways.
func Pad80(b []byte, blockSize int, force bool) ([]byte, error) {
	if blockSize <= 0 || blockSize%8 != 0 {
		return nil, errors.New("block size must be a positive multiple of 8")
	}

	rest := len(b) % blockSize
	if rest != 0 || force {
		padded := make([]byte, len(b)+blockSize-rest)
		copy(padded, b)
		padded[len(b)] = 0x80

		return padded, nil
	}

	return b, nil
}

// Unpad80 removes ISO/IEC 9797-1 padding method 2 from b and returns the unpadded data.
// It returns an error if b does not end with '80' followed by zero or more zero bytes.
func Unpad80(b []byte) ([]byte, error) {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case 0x00:
			continue
		case 0x80:
			return b[:i], nil
		default:
			return nil, errors.New("invalid padding")
		}
	}

	return nil, errors.New("padding indicator not found")
}

func resizeDoubleDESToTDES(key []byte) []byte {
	k := make([]byte, 24)

	copy(k, key[:16])
	copy(k[16:], key[:8])

	return k
}

func ecbEncrypt(dst []byte, src []byte, block cipher.Block) error {
	if len(dst) < len(src) {
		return errors.New("dst is shorter than src")
	}

	if len(src)%block.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block size")
	}

	for len(src) > 0 {
		block.Encrypt(dst, src)
		src = src[block.BlockSize():]
		dst = dst[block.BlockSize():]
	}

	return nil
}

func ecbDecrypt(dst []byte, src []byte, block cipher.Block) error {
	if len(dst) < len(src) {
		return errors.New("dst is shorter than src")
	}

	if len(src)%block.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block size")
	}

	for len(src) > 0 {
		block.Decrypt(dst, src)
		src = src[block.BlockSize():]
		dst = dst[block.BlockSize():]
	}

	return nil
}

// RetailMAC calculates the ISO/IEC 9797-1 MAC algorithm 3 (single DES with final Triple DES) over src with a
// 16 byte key. src must already be padded to a multiple of 8 bytes. The returned MAC is 8 bytes long.
func RetailMAC(key Key, src []byte, iv []byte) ([]byte, error) {
	if key.Family() != FamilyTripleDES {
		return nil, UnsupportedAlgorithmError{Family: key.Family(), Operation: "retail MAC"}
	}

	if len(src) == 0 || len(src)%des.BlockSize != 0 {
		return nil, errors.New("length of src must be a positive multiple of 8")
	}

	chainIV := make([]byte, des.BlockSize)
	copy(chainIV, iv)

	sdes, err := des.NewCipher(key.data[:8])
	if err != nil {
		return nil, errors.Wrap(err, "create DES cipher")
	}

	tdes, err := des.NewTripleDESCipher(resizeDoubleDESToTDES(key.data))
	if err != nil {
		return nil, errors.Wrap(err, "create TDES cipher")
	}

	if len(src) > des.BlockSize {
		// first do simple DES
		tmp := make([]byte, len(src)-des.BlockSize)
		cipher.NewCBCEncrypter(sdes, chainIV).CryptBlocks(tmp, src[:len(src)-des.BlockSize])
		// use the result as IV for TDES
		copy(chainIV, tmp[len(tmp)-des.BlockSize:])
	}

	mac := make([]byte, des.BlockSize)
	cipher.NewCBCEncrypter(tdes, chainIV).CryptBlocks(mac, src[len(src)-des.BlockSize:])

	return mac, nil
}

// AdjustDESParity returns a copy of key with the least significant bit of every byte set to odd parity.
func AdjustDESParity(key []byte) []byte {
	adjusted := make([]byte, len(key))

	for i, b := range key {
		ones := 0
		for j := 1; j < 8; j++ {
			if b&(1<<uint(j)) != 0 {
				ones++
			}
		}

		if ones%2 == 0 {
			adjusted[i] = b | 0x01
		} else {
			adjusted[i] = b &^ 0x01
		}
	}

	return adjusted
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	result := make([]byte, n)
	for i := 0; i < n; i++ {
		result[i] = a[i] ^ b[i]
	}

	return result
}

func rotateLeft(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	rotated := make([]byte, len(b))
	copy(rotated, b[1:])
	rotated[len(b)-1] = b[0]

	return rotated
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0x00
	}
}

func uint64ToBytes(u uint64) [8]byte {
	var b [8]byte

	binary.BigEndian.PutUint64(b[:], u)

	return b
}
