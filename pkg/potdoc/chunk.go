package potdoc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Every automerge chunk starts with these magic bytes, then a 4 byte checksum, a chunk type byte
// and the uleb128 length of the body.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument         = 0
	chunkChange           = 1
	chunkCompressedChange = 2
)

var errEmptyPayload = errors.New("empty change payload")

// checkFraming walks the chunks in p and fails unless they tile it exactly. Loading tolerates
// trailing garbage, so anything that would be silently skipped is rejected here.
func checkFraming(p []byte) error {
	if len(p) == 0 {
		return errEmptyPayload
	}
	for off := 0; off < len(p); {
		rest := p[off:]
		if len(rest) < len(chunkMagic)+5 || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return fmt.Errorf("no automerge chunk at offset %d", off)
		}
		rest = rest[len(chunkMagic)+4:]
		switch rest[0] {
		case chunkDocument, chunkChange, chunkCompressedChange:
		default:
			return fmt.Errorf("unknown chunk type %d at offset %d", rest[0], off)
		}
		size, n := binary.Uvarint(rest[1:])
		if n <= 0 {
			return fmt.Errorf("bad chunk length at offset %d", off)
		}
		header := len(chunkMagic) + 4 + 1 + n
		if size > uint64(len(p)-off-header) {
			return fmt.Errorf("truncated chunk at offset %d: want %d bytes, have %d", off, size, len(p)-off-header)
		}
		off += header + int(size)
	}
	return nil
}
