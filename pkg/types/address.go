package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// AddressSize is the length of an address in bytes.
const AddressSize = 20

// addressChecksumSize is the number of checksum bytes appended before base58 encoding.
const addressChecksumSize = 4

// ErrBadAddress is returned when a payment address cannot be decoded.
var ErrBadAddress = errors.New("invalid payment address")

// Address represents a 160-bit payment address (public key hash).
type Address [AddressSize]byte

// IsZero returns true if the address is all zeros.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the base58check form: base58(addr || blake3(addr)[:4]).
func (a Address) String() string {
	buf := make([]byte, 0, AddressSize+addressChecksumSize)
	buf = append(buf, a[:]...)
	buf = append(buf, addressChecksum(a[:])...)
	return base58.Encode(buf)
}

// Bytes returns a copy of the address as a byte slice.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// ParseAddress decodes a base58check payment address and verifies its checksum.
func ParseAddress(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if len(raw) != AddressSize+addressChecksumSize {
		return Address{}, fmt.Errorf("%w: decoded length %d", ErrBadAddress, len(raw))
	}
	body, sum := raw[:AddressSize], raw[AddressSize:]
	if !bytes.Equal(sum, addressChecksum(body)) {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrBadAddress)
	}
	var a Address
	copy(a[:], body)
	return a, nil
}

// IsValidAddress reports whether s is a well-formed payment address.
func IsValidAddress(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

func addressChecksum(body []byte) []byte {
	h := blake3.Sum256(body)
	return h[:addressChecksumSize]
}
