package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary state dict. The layout is a plain protobuf
// message so any protobuf tooling can inspect a checkpoint:
//
//	message StateDict {
//	  repeated Entry entries = 1;
//	  string format = 2;
//	  string version = 3;
//	  string framework = 4;
//	  string run_id = 5;
//	  int64 created_unix_nano = 6;
//	}
//	message Entry {
//	  string key = 1;
//	  uint32 kind = 2;
//	  repeated int64 shape = 3 [packed = true];
//	  bytes data = 4; // little-endian float32
//	  double scalar = 5;
//	  string text = 6;
//	}
const (
	fieldEntries   protowire.Number = 1
	fieldFormat    protowire.Number = 2
	fieldVersion   protowire.Number = 3
	fieldFramework protowire.Number = 4
	fieldRunID     protowire.Number = 5
	fieldCreatedAt protowire.Number = 6

	entryKey    protowire.Number = 1
	entryKind   protowire.Number = 2
	entryShape  protowire.Number = 3
	entryData   protowire.Number = 4
	entryScalar protowire.Number = 5
	entryText   protowire.Number = 6
)

func marshalPTH(sd *StateDict) ([]byte, error) {
	var b []byte
	for _, k := range sd.keys {
		v := sd.values[k]
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEntry(k, v))
	}
	b = appendString(b, fieldFormat, stateDictFormat)
	b = appendString(b, fieldVersion, sd.Meta.Version)
	b = appendString(b, fieldFramework, sd.Meta.Framework)
	b = appendString(b, fieldRunID, sd.Meta.RunID)
	if !sd.Meta.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(sd.Meta.CreatedAt.UnixNano()))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalEntry(key string, v Value) []byte {
	var b []byte
	b = appendString(b, entryKey, key)
	b = protowire.AppendTag(b, entryKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Kind))

	switch v.Kind {
	case KindTensor:
		var packed []byte
		for _, d := range v.Shape {
			packed = protowire.AppendVarint(packed, uint64(int64(d)))
		}
		b = protowire.AppendTag(b, entryShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)

		raw := make([]byte, 4*len(v.Data))
		for i, f := range v.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
		}
		b = protowire.AppendTag(b, entryData, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	case KindScalar:
		b = protowire.AppendTag(b, entryScalar, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Scalar))
	case KindText:
		b = protowire.AppendTag(b, entryText, protowire.BytesType)
		b = protowire.AppendString(b, v.Text)
	}
	return b
}

func unmarshalPTH(b []byte) (*StateDict, error) {
	sd := NewStateDict()
	var format string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEntries && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			key, v, err := unmarshalEntry(raw)
			if err != nil {
				return nil, err
			}
			sd.Set(key, v)
			b = b[n:]
		case typ == protowire.BytesType && (num == fieldFormat || num == fieldVersion || num == fieldFramework || num == fieldRunID):
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldFormat:
				format = s
			case fieldVersion:
				sd.Meta.Version = s
			case fieldFramework:
				sd.Meta.Framework = s
			case fieldRunID:
				sd.Meta.RunID = s
			}
			b = b[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			sd.Meta.CreatedAt = time.Unix(0, int64(u)).UTC()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if format != stateDictFormat {
		return nil, fmt.Errorf("unexpected format %q", format)
	}
	return sd, nil
}

func unmarshalEntry(b []byte) (string, Value, error) {
	var (
		key string
		v   Value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", v, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == entryKey && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			key, b = s, b[n:]
		case num == entryKind && typ == protowire.VarintType:
			u, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			v.Kind, b = ValueKind(u), b[n:]
		case num == entryShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			v.Shape = []int{}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return "", v, protowire.ParseError(m)
				}
				v.Shape = append(v.Shape, int(int64(d)))
				packed = packed[m:]
			}
			b = b[n:]
		case num == entryData && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			if len(raw)%4 != 0 {
				return "", v, fmt.Errorf("entry %q: data length %d is not a multiple of 4", key, len(raw))
			}
			v.Data = make([]float32, len(raw)/4)
			for i := range v.Data {
				v.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
			b = b[n:]
		case num == entryScalar && typ == protowire.Fixed64Type:
			u, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			v.Scalar, b = math.Float64frombits(u), b[n:]
		case num == entryText && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			v.Text, b = s, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", v, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if v.Kind == KindTensor && v.Data == nil {
		v.Data = []float32{}
	}
	if v.Kind == KindTensor && v.Shape == nil {
		v.Shape = []int{}
	}
	if err := v.validate(); err != nil {
		return "", v, fmt.Errorf("entry %q: %w", key, err)
	}
	return key, v, nil
}
