package storeinfo

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/diskpager/pkg/fs"
)

// Encoding is the serialized form of a store descriptor: capabilities,
// integers, offsets and opaque data, each a flat list.
type Encoding struct {
	Ports   []string
	Ints    []int64
	Offsets []int64
	Data    []byte
}

// Positions within Encoding.Ints.
const (
	intClass = iota
	intFlags
	intBlockSize
	intNumRuns
	intNameLen
	numInts
)

// Encode flattens s.
func (s *Store) Encode() *Encoding {
	enc := &Encoding{
		Ints:    make([]int64, numInts),
		Offsets: make([]int64, 0, 2*len(s.Runs)),
		Data:    []byte(s.Name),
	}
	if s.Port != "" {
		enc.Ports = []string{s.Port}
	}
	enc.Ints[intClass] = int64(s.Class)
	enc.Ints[intFlags] = int64(s.Flags)
	enc.Ints[intBlockSize] = int64(s.BlockSize)
	enc.Ints[intNumRuns] = int64(len(s.Runs))
	enc.Ints[intNameLen] = int64(len(s.Name))
	for _, r := range s.Runs {
		enc.Offsets = append(enc.Offsets, r.Start, r.Length)
	}
	return enc
}

// Decode rebuilds a store descriptor from enc.
func Decode(enc *Encoding) (*Store, error) {
	if len(enc.Ints) < numInts {
		return nil, fmt.Errorf("store encoding has %d ints: %w", len(enc.Ints), fs.ErrInvalid)
	}
	runs, nameLen := enc.Ints[intNumRuns], enc.Ints[intNameLen]
	if runs < 0 || int64(len(enc.Offsets)) != 2*runs {
		return nil, fmt.Errorf("store encoding has %d offsets for %d runs: %w", len(enc.Offsets), runs, fs.ErrInvalid)
	}
	if nameLen < 0 || int64(len(enc.Data)) < nameLen {
		return nil, fmt.Errorf("store encoding name length %d: %w", nameLen, fs.ErrInvalid)
	}
	s := &Store{
		Class:     Class(enc.Ints[intClass]),
		Flags:     Flags(enc.Ints[intFlags]),
		BlockSize: int(enc.Ints[intBlockSize]),
		Name:      string(enc.Data[:nameLen]),
		Runs:      make([]Run, runs),
	}
	if len(enc.Ports) > 0 {
		s.Port = enc.Ports[0]
	}
	for i := range s.Runs {
		s.Runs[i] = Run{Start: enc.Offsets[2*i], Length: enc.Offsets[2*i+1]}
	}
	return s, nil
}

// Field numbers of the wire form.
const (
	fieldPorts   protowire.Number = 1
	fieldInts    protowire.Number = 2
	fieldOffsets protowire.Number = 3
	fieldData    protowire.Number = 4
)

// Marshal returns the protobuf wire form of enc.
func (enc *Encoding) Marshal() []byte {
	var b []byte
	for _, p := range enc.Ports {
		b = protowire.AppendTag(b, fieldPorts, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	b = appendPacked(b, fieldInts, enc.Ints)
	b = appendPacked(b, fieldOffsets, enc.Offsets)
	if len(enc.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, enc.Data)
	}
	return b
}

func appendPacked(b []byte, num protowire.Number, vals []int64) []byte {
	if len(vals) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vals {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalEncoding parses the output of Marshal.
func UnmarshalEncoding(b []byte) (*Encoding, error) {
	enc := &Encoding{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, wireError(n)
		}
		b = b[n:]

		var err error
		switch num {
		case fieldPorts:
			enc.Ports = append(enc.Ports, string(v))
		case fieldInts:
			enc.Ints, err = consumePacked(enc.Ints, v)
		case fieldOffsets:
			enc.Offsets, err = consumePacked(enc.Offsets, v)
		case fieldData:
			enc.Data = append(enc.Data, v...)
		}
		if err != nil {
			return nil, err
		}
	}
	return enc, nil
}

func consumePacked(vals []int64, b []byte) ([]int64, error) {
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, wireError(n)
		}
		vals = append(vals, protowire.DecodeZigZag(v))
		b = b[n:]
	}
	return vals, nil
}

func wireError(n int) error {
	return fmt.Errorf("store encoding: %v: %w", protowire.ParseError(n), fs.ErrInvalid)
}
