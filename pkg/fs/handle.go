// pkg/fs/handle.go
package fs

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// handleLen is the wire size of a NodeHandle: 4 + 8 + 4 bytes.
const handleLen = 16

// NodeHandle names a node across requests. The generation changes whenever
// an inode number is reused, so a handle to a removed node goes stale.
type NodeHandle struct {
	FileSystemID uint32
	Inode        uint64
	Generation   uint32
}

// Bytes encodes the handle in big-endian order.
func (h NodeHandle) Bytes() []byte {
	data := make([]byte, handleLen)
	binary.BigEndian.PutUint32(data[0:4], h.FileSystemID)
	binary.BigEndian.PutUint64(data[4:12], h.Inode)
	binary.BigEndian.PutUint32(data[12:16], h.Generation)
	return data
}

// String returns the hex form used in admin requests.
func (h NodeHandle) String() string {
	return hex.EncodeToString(h.Bytes())
}

// DecodeHandle parses the output of Bytes.
func DecodeHandle(data []byte) (NodeHandle, error) {
	if len(data) != handleLen {
		return NodeHandle{}, fmt.Errorf("handle is %d bytes: %w", len(data), ErrInvalidHandle)
	}
	return NodeHandle{
		FileSystemID: binary.BigEndian.Uint32(data[0:4]),
		Inode:        binary.BigEndian.Uint64(data[4:12]),
		Generation:   binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// ParseHandle parses the output of String.
func ParseHandle(s string) (NodeHandle, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("handle %q: %w", s, ErrInvalidHandle)
	}
	return DecodeHandle(data)
}
