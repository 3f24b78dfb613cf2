package stream

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the row batch wire message.
const (
	fieldSender    protowire.Number = 1
	fieldWidth     protowire.Number = 2
	fieldHeight    protowire.Number = 3
	fieldRowStart  protowire.Number = 4
	fieldRowCount  protowire.Number = 5
	fieldSamples   protowire.Number = 6
	fieldPlacement protowire.Number = 7
	fieldSeq       protowire.Number = 8
)

// MarshalBatch encodes b in protobuf wire format. Samples and placement
// are packed.
func MarshalBatch(b RowBatch) []byte {
	out := make([]byte, 0, 32+len(b.Sender)+2*len(b.Samples))
	if b.Sender != "" {
		out = protowire.AppendTag(out, fieldSender, protowire.BytesType)
		out = protowire.AppendString(out, string(b.Sender))
	}
	out = appendVarintField(out, fieldWidth, uint64(b.Width))
	out = appendVarintField(out, fieldHeight, uint64(b.Height))
	out = appendVarintField(out, fieldRowStart, uint64(b.RowStart))
	out = appendVarintField(out, fieldRowCount, uint64(b.RowCount))

	if len(b.Samples) > 0 {
		size := 0
		for _, s := range b.Samples {
			size += protowire.SizeVarint(uint64(s))
		}
		out = protowire.AppendTag(out, fieldSamples, protowire.BytesType)
		out = protowire.AppendVarint(out, uint64(size))
		for _, s := range b.Samples {
			out = protowire.AppendVarint(out, uint64(s))
		}
	}

	if b.Placement != nil {
		out = protowire.AppendTag(out, fieldPlacement, protowire.BytesType)
		out = protowire.AppendVarint(out, 12)
		for _, f := range b.Placement {
			out = protowire.AppendFixed32(out, math.Float32bits(f))
		}
	}
	if b.Seq != 0 {
		out = appendVarintField(out, fieldSeq, b.Seq)
	}
	return out
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalBatch decodes a batch. Unknown fields are skipped. The result
// is not validated; callers should use RowBatch.Validate.
func UnmarshalBatch(data []byte) (RowBatch, error) {
	var b RowBatch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return RowBatch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldSender && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return RowBatch{}, fmt.Errorf("%w: sender: %v", ErrMalformedBatch, protowire.ParseError(n))
			}
			b.Sender = ParticipantID(s)
			data = data[n:]

		case num >= fieldWidth && num <= fieldRowCount && typ == protowire.VarintType,
			num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return RowBatch{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBatch, num, protowire.ParseError(n))
			}
			data = data[n:]
			if num != fieldSeq && v > math.MaxInt32 {
				return RowBatch{}, fmt.Errorf("%w: field %d out of range: %d", ErrMalformedBatch, num, v)
			}
			switch num {
			case fieldWidth:
				b.Width = int(v)
			case fieldHeight:
				b.Height = int(v)
			case fieldRowStart:
				b.RowStart = int(v)
			case fieldRowCount:
				b.RowCount = int(v)
			case fieldSeq:
				b.Seq = v
			}

		case num == fieldSamples && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return RowBatch{}, fmt.Errorf("%w: samples: %v", ErrMalformedBatch, protowire.ParseError(n))
			}
			data = data[n:]
			samples := make([]uint16, 0, len(packed)/2)
			for len(packed) > 0 {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return RowBatch{}, fmt.Errorf("%w: sample: %v", ErrMalformedBatch, protowire.ParseError(n))
				}
				if v > math.MaxUint16 {
					return RowBatch{}, fmt.Errorf("%w: sample %d out of range", ErrMalformedBatch, v)
				}
				samples = append(samples, uint16(v))
				packed = packed[n:]
			}
			b.Samples = append(b.Samples, samples...)

		case num == fieldPlacement && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 || len(packed) != 12 {
				return RowBatch{}, fmt.Errorf("%w: placement must be 3 fixed32 values", ErrMalformedBatch)
			}
			data = data[n:]
			var p Placement
			for i := range p {
				v, _ := protowire.ConsumeFixed32(packed[4*i:])
				p[i] = math.Float32frombits(v)
			}
			b.Placement = &p

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return RowBatch{}, fmt.Errorf("%w: field %d: %v", ErrMalformedBatch, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return b, nil
}
