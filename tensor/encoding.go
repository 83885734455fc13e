package tensor

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrEncoding reports a malformed tensor wire message.
var ErrEncoding = errors.New("tensor: malformed encoding")

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name   string
	Tensor *Tensor
}

// Wire layout (protobuf wire format, no generated code):
//
//	message Tensor { string name = 1; repeated int64 shape = 2 [packed]; repeated float data = 3 [packed]; }
//	message Bundle { repeated Tensor tensors = 1; }
const (
	fieldName  protowire.Number = 1
	fieldShape protowire.Number = 2
	fieldData  protowire.Number = 3

	fieldBundleTensor protowire.Number = 1
)

// AppendMessage appends the wire form of a named tensor (without an
// enclosing tag) to b.
func AppendMessage(b []byte, name string, t *Tensor) []byte {
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

// ConsumeMessage parses a message written by AppendMessage.
func ConsumeMessage(b []byte) (string, *Tensor, error) {
	var (
		name  string
		shape []int
		data  []float32
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrEncoding, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: name: %v", ErrEncoding, protowire.ParseError(n))
			}
			name = v
			b = b[n:]
		case num == fieldShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: shape: %v", ErrEncoding, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return "", nil, fmt.Errorf("%w: shape: %v", ErrEncoding, protowire.ParseError(m))
				}
				shape = append(shape, int(d))
				packed = packed[m:]
			}
		case num == fieldData && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: data: %v", ErrEncoding, protowire.ParseError(n))
			}
			b = b[n:]
			if len(packed)%4 != 0 {
				return "", nil, fmt.Errorf("%w: data length %d is not a multiple of 4", ErrEncoding, len(packed))
			}
			data = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				bits, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return "", nil, fmt.Errorf("%w: data: %v", ErrEncoding, protowire.ParseError(m))
				}
				data = append(data, math.Float32frombits(bits))
				packed = packed[m:]
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: field %d: %v", ErrEncoding, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	t, err := New(shape, data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: tensor %q: %v", ErrEncoding, name, err)
	}
	return name, t, nil
}

// EncodeBundle serializes a list of named tensors.
func EncodeBundle(items []Named) []byte {
	var b []byte
	for _, item := range items {
		b = protowire.AppendTag(b, fieldBundleTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendMessage(nil, item.Name, item.Tensor))
	}
	return b
}

// DecodeBundle parses the output of EncodeBundle.
func DecodeBundle(b []byte) ([]Named, error) {
	var items []Named
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldBundleTensor || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrEncoding, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrEncoding, protowire.ParseError(n))
		}
		b = b[n:]
		name, t, err := ConsumeMessage(msg)
		if err != nil {
			return nil, err
		}
		items = append(items, Named{Name: name, Tensor: t})
	}
	return items, nil
}
