package pthread

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Marshaller encodes a main-function call into a transportable buffer.
type Marshaller interface {
	Encode(index int, args []float64) ([]byte, error)
	Decode(buf []byte) (index int, args []float64, err error)
}

// Float64Codec is the default Marshaller: a little-endian header of call
// index and argument count followed by the IEEE-754 bits of each argument.
type Float64Codec struct{}

var errShortBuffer = errors.New("short call buffer")

const maxCallArgs = 1 << 16

func (Float64Codec) Encode(index int, args []float64) ([]byte, error) {
	if index < 0 || uint64(index) > math.MaxUint32 {
		return nil, fmt.Errorf("call index %d out of range", index)
	}
	if len(args) > maxCallArgs {
		return nil, fmt.Errorf("too many call arguments: %d", len(args))
	}

	buf := make([]byte, 8+8*len(args))
	binary.LittleEndian.PutUint32(buf[0:], uint32(index))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(args)))
	for i, a := range args {
		binary.LittleEndian.PutUint64(buf[8+8*i:], math.Float64bits(a))
	}
	return buf, nil
}

func (Float64Codec) Decode(buf []byte) (int, []float64, error) {
	if len(buf) < 8 {
		return 0, nil, errShortBuffer
	}
	index := int(binary.LittleEndian.Uint32(buf[0:]))
	n := int(binary.LittleEndian.Uint32(buf[4:]))
	if n > maxCallArgs || len(buf) != 8+8*n {
		return 0, nil, fmt.Errorf("%w: %d bytes for %d arguments", errShortBuffer, len(buf), n)
	}

	args := make([]float64, n)
	for i := range args {
		args[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8+8*i:]))
	}
	return index, args, nil
}
