// Package idgen generates compact identifiers for sessions and messages.
//
// Session IDs only need to be unique among live connections of one process.
// UIDLs are persisted with each message and must stay unique across restarts
// and across processes sharing a store, so they carry a millisecond
// timestamp, the node ID and more random bits.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID is a 3-byte identifier for this process.
	nodeID [3]byte
	// sequence is incremented for every generated ID.
	sequence uint32
	// encoding is lowercase-friendly base32 without padding; every character
	// is in the printable range RFC 1939 allows for unique-ids.
	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err == nil {
		return
	}
	// Fall back to the hostname, then to the process id.
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		copy(nodeID[:], hostname)
		return
	}
	pid := os.Getpid()
	nodeID = [3]byte{byte(pid >> 16), byte(pid >> 8), byte(pid)}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		ts := uint64(time.Now().UnixNano())
		for i := range b {
			b[i] = byte(ts >> (8 * (i % 8)))
		}
	}
	return b
}

func encode(id []byte) string {
	return strings.ToLower(encoding.EncodeToString(id))
}

// New returns a 20 character session identifier:
// 4 bytes of unix seconds, 3 bytes node ID, 2 bytes sequence, 3 random bytes.
func New() string {
	id := make([]byte, 12)
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], nodeID[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(atomic.AddUint32(&sequence, 1)))
	copy(id[9:12], randomBytes(3))
	return encode(id)
}

// NewUIDL returns a 32 character persistent message identifier:
// 6 bytes of unix milliseconds, 3 bytes node ID, 2 bytes sequence,
// 9 random bytes. IDs from one process sort by creation time.
func NewUIDL() string {
	id := make([]byte, 20)
	ms := uint64(time.Now().UnixMilli())
	for i := 0; i < 6; i++ {
		id[i] = byte(ms >> (8 * (5 - i)))
	}
	copy(id[6:9], nodeID[:])
	binary.BigEndian.PutUint16(id[9:11], uint16(atomic.AddUint32(&sequence, 1)))
	copy(id[11:20], randomBytes(9))
	return encode(id)
}
