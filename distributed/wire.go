package distributed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type opCode uint64

const (
	opHello opCode = iota + 1
	opAllReduce
	opBroadcast
	opBarrier
)

func (o opCode) String() string {
	switch o {
	case opHello:
		return "hello"
	case opAllReduce:
		return "all_reduce"
	case opBroadcast:
		return "broadcast"
	case opBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("op(%d)", uint64(o))
	}
}

// frame fields
const (
	fieldOp      protowire.Number = 1
	fieldSeq     protowire.Number = 2
	fieldRank    protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// maxFrame bounds a single message; larger lengths mean a corrupt stream.
const maxFrame = 1 << 30

type frame struct {
	op      opCode
	seq     uint64
	rank    int
	payload []float32
}

// writeFrame writes a varint length prefix followed by the frame message.
func writeFrame(w *bufio.Writer, f frame) error {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldOp, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(f.op))
	msg = protowire.AppendTag(msg, fieldSeq, protowire.VarintType)
	msg = protowire.AppendVarint(msg, f.seq)
	msg = protowire.AppendTag(msg, fieldRank, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(f.rank))
	if len(f.payload) > 0 {
		raw := make([]byte, 4*len(f.payload))
		for i, v := range f.payload {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		msg = protowire.AppendTag(msg, fieldPayload, protowire.BytesType)
		msg = protowire.AppendBytes(msg, raw)
	}

	if _, err := w.Write(protowire.AppendVarint(nil, uint64(len(msg)))); err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (frame, error) {
	var f frame
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return f, err
	}
	if size > maxFrame {
		return f, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return f, err
	}

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.op, msg = opCode(v), msg[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.seq, msg = v, msg[n:]
		case num == fieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.rank, msg = int(v), msg[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			if len(raw)%4 != 0 {
				return f, errors.New("payload is not a whole number of float32s")
			}
			f.payload = make([]float32, len(raw)/4)
			for i := range f.payload {
				f.payload[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return f, nil
}
