// Package kw implements AES Key Wrap per RFC 3394. No library in the
// dependency graph exports a standalone AES-KW primitive (go-jose wraps keys
// internally but does not expose the algorithm), so it is implemented here
// directly against crypto/aes.
package kw

import (
	"crypto/aes"
	"encoding/binary"
	"errors"
)

var defaultIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// Wrap wraps key material (a multiple of 8 bytes, at least 16) with kek using
// RFC 3394 AES Key Wrap.
func Wrap(kek, plaintext []byte) ([]byte, error) {
	if len(plaintext)%8 != 0 || len(plaintext) < 16 {
		return nil, errors.New("kw: plaintext length must be a multiple of 8 bytes, at least 16")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(plaintext) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], plaintext[i*8:(i+1)*8])
	}

	var a [8]byte
	copy(a[:], defaultIV[:])

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 0; i < n; i++ {
			copy(buf[0:8], a[:])
			copy(buf[8:16], r[i][:])
			block.Encrypt(buf, buf)

			t := uint64(n*j + i + 1)
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)
			for k := 0; k < 8; k++ {
				a[k] = buf[k] ^ tBytes[k]
			}
			copy(r[i][:], buf[8:16])
		}
	}

	out := make([]byte, 8+len(plaintext))
	copy(out[0:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+(i+1)*8], r[i][:])
	}
	return out, nil
}

// Unwrap reverses Wrap, returning an error if the integrity check (the
// default IV comparison) fails.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, errors.New("kw: wrapped length must be a multiple of 8 bytes, at least 24")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}

	n := len(wrapped)/8 - 1
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	var a [8]byte
	copy(a[:], wrapped[0:8])

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n - 1; i >= 0; i-- {
			t := uint64(n*j + i + 1)
			var tBytes [8]byte
			binary.BigEndian.PutUint64(tBytes[:], t)
			var aXorT [8]byte
			for k := 0; k < 8; k++ {
				aXorT[k] = a[k] ^ tBytes[k]
			}
			copy(buf[0:8], aXorT[:])
			copy(buf[8:16], r[i][:])
			block.Decrypt(buf, buf)

			copy(a[:], buf[0:8])
			copy(r[i][:], buf[8:16])
		}
	}

	if a != defaultIV {
		return nil, errors.New("kw: integrity check failed")
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:(i+1)*8], r[i][:])
	}
	return out, nil
}
