package utils

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var ErrInvalidAddress = errors.New("invalid address")

// ChecksumAddress validates a 20-byte hex address and returns its EIP-55 form.
// Mixed-case input must already carry a valid checksum.
func ChecksumAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", ErrInvalidAddress
	}
	body := addr[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return "", ErrInvalidAddress
	}

	lower := strings.ToLower(body)
	sum := eip55(lower)

	if body != lower && body != strings.ToUpper(body) && body != sum {
		return "", ErrInvalidAddress
	}
	return "0x" + sum, nil
}

func eip55(lower string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 32
		}
	}
	return string(out)
}
