package binlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Op is the LogEntry operation kind (spec.md §3).
type Op byte

const (
	OpPut Op = iota
	OpDel
	OpLock
	OpUnlock
	OpNop
	OpLogin
	OpLogout
	OpRegister
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "Put"
	case OpDel:
		return "Del"
	case OpLock:
		return "Lock"
	case OpUnlock:
		return "Unlock"
	case OpNop:
		return "Nop"
	case OpLogin:
		return "Login"
	case OpLogout:
		return "Logout"
	case OpRegister:
		return "Register"
	default:
		return fmt.Sprintf("Op(%d)", op)
	}
}

// Entry is a LogEntry (spec.md §3): immutable once appended. User is
// either a UUID (session-scoped ops) or a username (Login/Register).
type Entry struct {
	Op    Op
	User  string
	Key   string
	Value []byte
	Term  int64
}

// Encode serializes e per spec.md §4.1's frozen on-disk layout:
// op:u8, user_len:i32, user_bytes, key_len:i32, key_bytes,
// value_len:i32, value_bytes, term:i64, host byte order.
//
// Grounded on the fixed-field length-prefix style of
// _examples/gyuho-db/raftwal/01_encode.go, adapted to this entry's
// exact field list instead of a protobuf message.
func Encode(e Entry) []byte {
	buf := make([]byte, 0, 1+4+len(e.User)+4+len(e.Key)+4+len(e.Value)+8)
	b := bytes.NewBuffer(buf)

	b.WriteByte(byte(e.Op))
	writeLenPrefixed(b, []byte(e.User))
	writeLenPrefixed(b, []byte(e.Key))
	writeLenPrefixed(b, e.Value)

	var termBuf [8]byte
	binary.LittleEndian.PutUint64(termBuf[:], uint64(e.Term))
	b.Write(termBuf[:])

	return b.Bytes()
}

func writeLenPrefixed(b *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	b.Write(lenBuf[:])
	b.Write(data)
}

// Decode is the inverse of Encode.
func Decode(raw []byte) (Entry, error) {
	var e Entry
	if len(raw) < 1+4+4+4+8 {
		return e, fmt.Errorf("binlog: entry too short (%d bytes)", len(raw))
	}

	r := bytes.NewReader(raw)

	opByte, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	e.Op = Op(opByte)

	user, err := readLenPrefixed(r)
	if err != nil {
		return e, fmt.Errorf("binlog: decode user: %v", err)
	}
	e.User = string(user)

	key, err := readLenPrefixed(r)
	if err != nil {
		return e, fmt.Errorf("binlog: decode key: %v", err)
	}
	e.Key = string(key)

	val, err := readLenPrefixed(r)
	if err != nil {
		return e, fmt.Errorf("binlog: decode value: %v", err)
	}
	e.Value = val

	var termBuf [8]byte
	if _, err := io.ReadFull(r, termBuf[:]); err != nil {
		return e, fmt.Errorf("binlog: decode term: %v", err)
	}
	e.Term = int64(binary.LittleEndian.Uint64(termBuf[:]))

	return e, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		// an empty field decodes as nil, the zero value Encode started from
		return nil, nil
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
