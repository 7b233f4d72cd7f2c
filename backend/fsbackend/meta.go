package fsbackend

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Meta is stored next to each message file, MessagePack-encoded.
type Meta struct {
	MessageID   string
	Hash        string
	Date        time.Time
	Size        int64  // Uncompressed.
	Compression string // Empty, gzip or zlib.
}

// MarshalMsg appends the MessagePack encoding of m to b.
func (m *Meta) MarshalMsg(b []byte) []byte {
	b = msgp.AppendMapHeader(b, 5)
	b = msgp.AppendString(b, "MessageID")
	b = msgp.AppendString(b, m.MessageID)
	b = msgp.AppendString(b, "Hash")
	b = msgp.AppendString(b, m.Hash)
	b = msgp.AppendString(b, "Date")
	b = msgp.AppendTime(b, m.Date)
	b = msgp.AppendString(b, "Size")
	b = msgp.AppendInt64(b, m.Size)
	b = msgp.AppendString(b, "Compression")
	b = msgp.AppendString(b, m.Compression)
	return b
}

// UnmarshalMsg decodes m from b, returning the remaining bytes. Unknown keys
// are skipped.
func (m *Meta) UnmarshalMsg(b []byte) (o []byte, err error) {
	var n uint32
	n, b, err = msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for i := uint32(0); i < n; i++ {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "MessageID":
			m.MessageID, b, err = msgp.ReadStringBytes(b)
		case "Hash":
			m.Hash, b, err = msgp.ReadStringBytes(b)
		case "Date":
			m.Date, b, err = msgp.ReadTimeBytes(b)
		case "Size":
			m.Size, b, err = msgp.ReadInt64Bytes(b)
		case "Compression":
			m.Compression, b, err = msgp.ReadStringBytes(b)
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return b, err
		}
	}
	return b, nil
}
