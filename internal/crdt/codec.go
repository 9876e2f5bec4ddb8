package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	updateMagic       byte = 0x47
	updateVersion     byte = 0x01
	stateVectorMagic  byte = 0x56
	stateVectorFormat byte = 0x01

	// every encoded op needs at least kind, client length, one client byte and a clock byte.
	minEncodedOpSize = 4
)

// EncodeOperations serializes operations into the binary update format.
func EncodeOperations(ops []Operation) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, 2+len(ops)*16))
	buffer.WriteByte(updateMagic)
	buffer.WriteByte(updateVersion)
	writeUvarint(buffer, uint64(len(ops)))
	for _, op := range ops {
		buffer.WriteByte(byte(op.Kind))
		writeString(buffer, op.ID.Client)
		writeUvarint(buffer, op.ID.Clock)
		switch op.Kind {
		case OpInsert:
			writeUvarint(buffer, op.Lamport)
			if op.Origin == nil {
				buffer.WriteByte(0)
			} else {
				buffer.WriteByte(1)
				writeString(buffer, op.Origin.Client)
				writeUvarint(buffer, op.Origin.Clock)
			}
			writeUvarint(buffer, uint64(op.Content))
		case OpDelete:
			writeString(buffer, op.Target.Client)
			writeUvarint(buffer, op.Target.Clock)
		}
	}
	return buffer.Bytes()
}

// DecodeOperations parses and validates a binary update. Any defect rejects the whole payload.
func DecodeOperations(update []byte) ([]Operation, error) {
	if len(update) < 3 {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedUpdate)
	}
	if update[0] != updateMagic || update[1] != updateVersion {
		return nil, fmt.Errorf("%w: unknown format %#x/%#x", ErrMalformedUpdate, update[0], update[1])
	}
	reader := bytes.NewReader(update[2:])
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformedUpdate, err)
	}
	if count > uint64(reader.Len()/minEncodedOpSize) {
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformedUpdate, count)
	}

	ops := make([]Operation, 0, count)
	for index := uint64(0); index < count; index++ {
		op, err := readOperation(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, index, err)
		}
		if err := op.validate(); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, reader.Len())
	}
	return ops, nil
}

// IsEmptyUpdate reports whether the update carries no operations.
func IsEmptyUpdate(update []byte) bool {
	ops, err := DecodeOperations(update)
	return err == nil && len(ops) == 0
}

func readOperation(reader *bytes.Reader) (Operation, error) {
	kindByte, err := reader.ReadByte()
	if err != nil {
		return Operation{}, err
	}
	op := Operation{Kind: OpKind(kindByte)}
	if op.ID, err = readID(reader); err != nil {
		return Operation{}, err
	}
	switch op.Kind {
	case OpInsert:
		if op.Lamport, err = binary.ReadUvarint(reader); err != nil {
			return Operation{}, err
		}
		hasOrigin, err := reader.ReadByte()
		if err != nil {
			return Operation{}, err
		}
		switch hasOrigin {
		case 0:
		case 1:
			origin, err := readID(reader)
			if err != nil {
				return Operation{}, err
			}
			op.Origin = &origin
		default:
			return Operation{}, fmt.Errorf("invalid origin flag %d", hasOrigin)
		}
		content, err := binary.ReadUvarint(reader)
		if err != nil {
			return Operation{}, err
		}
		if content > 0x10FFFF {
			return Operation{}, fmt.Errorf("rune %d out of range", content)
		}
		op.Content = rune(content)
	case OpDelete:
		if op.Target, err = readID(reader); err != nil {
			return Operation{}, err
		}
	default:
		return Operation{}, fmt.Errorf("unknown kind %d", kindByte)
	}
	return op, nil
}

func readID(reader *bytes.Reader) (ID, error) {
	client, err := readString(reader)
	if err != nil {
		return ID{}, err
	}
	clock, err := binary.ReadUvarint(reader)
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

// EncodeStateVector serializes a state vector with clients in sorted order.
func EncodeStateVector(sv StateVector) []byte {
	buffer := bytes.NewBuffer(make([]byte, 0, 2+len(sv)*12))
	buffer.WriteByte(stateVectorMagic)
	buffer.WriteByte(stateVectorFormat)
	clients := sv.sortedClients()
	writeUvarint(buffer, uint64(len(clients)))
	for _, client := range clients {
		writeString(buffer, client)
		writeUvarint(buffer, sv[client])
	}
	return buffer.Bytes()
}

// DecodeStateVector parses a state vector produced by EncodeStateVector.
func DecodeStateVector(payload []byte) (StateVector, error) {
	if len(payload) < 3 || payload[0] != stateVectorMagic || payload[1] != stateVectorFormat {
		return nil, fmt.Errorf("%w: bad header", ErrMalformedStateVector)
	}
	reader := bytes.NewReader(payload[2:])
	count, err := binary.ReadUvarint(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
	}
	if count > uint64(reader.Len()) {
		return nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformedStateVector, count)
	}
	sv := make(StateVector, count)
	for index := uint64(0); index < count; index++ {
		client, err := readString(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		clock, err := binary.ReadUvarint(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, err)
		}
		sv[client] = clock
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedStateVector)
	}
	return sv, nil
}

func writeUvarint(buffer *bytes.Buffer, value uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], value)
	buffer.Write(scratch[:n])
}

func writeString(buffer *bytes.Buffer, value string) {
	writeUvarint(buffer, uint64(len(value)))
	buffer.WriteString(value)
}

func readString(reader *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(reader)
	if err != nil {
		return "", err
	}
	if length > maxClientIDLength {
		return "", fmt.Errorf("string length %d exceeds %d", length, maxClientIDLength)
	}
	if length > uint64(reader.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
