package credstore

import "fmt"

// RecordKind tags a key-material record as raw binary or UTF-8 text so
// cryptographic byte buffers round-trip exactly, with no implicit text
// re-encoding on the read path.
type RecordKind byte

const (
	RecordBinary RecordKind = 'b'
	RecordText   RecordKind = 't'
)

// encodeRecord prepends the kind tag to the payload.
func encodeRecord(kind RecordKind, data []byte) []byte {
	buf := make([]byte, 1+len(data))
	buf[0] = byte(kind)
	copy(buf[1:], data)

	return buf
}

// decodeRecord splits a stored record into its kind and payload.
func decodeRecord(buf []byte) (RecordKind, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, fmt.Errorf("empty record")
	}

	kind := RecordKind(buf[0])
	switch kind {
	case RecordBinary, RecordText:
		return kind, buf[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown record kind 0x%02x", buf[0])
	}
}
