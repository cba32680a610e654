package commitment

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// EncodingVersion tags every canonical encoding. Bump it when the field set changes.
const EncodingVersion byte = 1

// AmountScale is the number of decimal places kept by PutAmount.
const AmountScale = 2

// Encoder builds a canonical byte sequence:
//   - first byte: encoding version
//   - strings: u32(len) big-endian + UTF-8 bytes
//   - bool: one byte, 0 or 1
//   - integers: fixed-width big-endian
//   - amounts: int64 scaled by 10^AmountScale, big-endian
type Encoder struct {
	b []byte
}

// NewEncoder starts an encoding with the version byte.
func NewEncoder(version byte) *Encoder {
	e := &Encoder{b: make([]byte, 0, 128)}
	e.b = append(e.b, version)
	return e
}

// Bytes returns a copy of the encoding.
func (e *Encoder) Bytes() []byte { return append([]byte(nil), e.b...) }

func (e *Encoder) PutU64(v uint64) *Encoder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	e.b = append(e.b, buf[:]...)
	return e
}

func (e *Encoder) PutI64(v int64) *Encoder { return e.PutU64(uint64(v)) }

func (e *Encoder) PutBool(v bool) *Encoder {
	if v {
		e.b = append(e.b, 1)
	} else {
		e.b = append(e.b, 0)
	}
	return e
}

// PutString appends u32(len) + bytes.
func (e *Encoder) PutString(s string) *Encoder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(s)))
	e.b = append(e.b, buf[:]...)
	e.b = append(e.b, s...)
	return e
}

// PutAmount rounds d half away from zero to AmountScale places and appends it as a scaled int64.
func (e *Encoder) PutAmount(d decimal.Decimal) *Encoder {
	scaled := d.Round(AmountScale).Shift(AmountScale).IntPart()
	return e.PutI64(scaled)
}

// Sum returns the Keccak-256 digest of the encoding.
func (e *Encoder) Sum() common.Hash {
	return crypto.Keccak256Hash(e.b)
}
