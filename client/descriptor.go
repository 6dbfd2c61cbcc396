package client

import (
	"encoding/binary"
	"fmt"
)

// PeerDescriptorSize is the length of the descriptor carried as connection
// private data.
const PeerDescriptorSize = 12

// PeerDescriptor names the peer buffer targeted by the remote write.
type PeerDescriptor struct {
	RemoteAddr uint64
	RemoteKey  uint32
}

// DecodePeerDescriptor parses the wire form: the 8-byte address followed by
// the 4-byte remote key, both big-endian. Trailing bytes are ignored since
// some fabrics pad private data.
func DecodePeerDescriptor(b []byte) (PeerDescriptor, error) {
	if len(b) < PeerDescriptorSize {
		return PeerDescriptor{}, fmt.Errorf("peer descriptor: need %d bytes, got %d", PeerDescriptorSize, len(b))
	}
	return PeerDescriptor{
		RemoteAddr: binary.BigEndian.Uint64(b[0:8]),
		RemoteKey:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// Encode returns the wire form of d.
func (d PeerDescriptor) Encode() []byte {
	b := make([]byte, PeerDescriptorSize)
	binary.BigEndian.PutUint64(b[0:8], d.RemoteAddr)
	binary.BigEndian.PutUint32(b[8:12], d.RemoteKey)
	return b
}

func (d PeerDescriptor) String() string {
	return fmt.Sprintf("addr=0x%x rkey=0x%x", d.RemoteAddr, d.RemoteKey)
}
