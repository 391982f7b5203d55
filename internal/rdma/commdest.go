package rdma

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// commDestVerification is "fhgfs0 " plus its terminating NUL.
	commDestVerification = "fhgfs0 \x00"
	commDestProtoVersion = uint64(1)

	// CommDestSize is the packed wire size of a CommDest.
	CommDestSize = 8 + 8 + 8 + 4 + 4 + 4
)

// CommDest is the handshake descriptor exchanged as connection private data.
// It tells the peer where our flow-control counter lives so the peer can
// read it for liveness checks.
type CommDest struct {
	VerificationStr [8]byte
	ProtocolVersion uint64
	VAddr           uint64
	RKey            uint32
	RecvBufNum      uint32
	RecvBufSize     uint32
}

func newCommDest(vaddr uint64, rkey uint32, cfg CommConfig) CommDest {
	d := CommDest{
		ProtocolVersion: commDestProtoVersion,
		VAddr:           vaddr,
		RKey:            rkey,
		RecvBufNum:      uint32(cfg.BufNum),
		RecvBufSize:     uint32(cfg.BufSize),
	}
	copy(d.VerificationStr[:], commDestVerification)
	return d
}

// MarshalBinary encodes the descriptor in its packed little-endian layout.
func (d *CommDest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CommDestSize)
	copy(buf[0:8], d.VerificationStr[:])
	binary.LittleEndian.PutUint64(buf[8:16], d.ProtocolVersion)
	binary.LittleEndian.PutUint64(buf[16:24], d.VAddr)
	binary.LittleEndian.PutUint32(buf[24:28], d.RKey)
	binary.LittleEndian.PutUint32(buf[28:32], d.RecvBufNum)
	binary.LittleEndian.PutUint32(buf[32:36], d.RecvBufSize)
	return buf, nil
}

// UnmarshalBinary decodes and validates a peer descriptor. Trailing bytes
// are ignored since private data may be padded by the CM.
func (d *CommDest) UnmarshalBinary(data []byte) error {
	if len(data) < CommDestSize {
		return fmt.Errorf("%w: private data too short (%d < %d)", ErrHandshake, len(data), CommDestSize)
	}
	copy(d.VerificationStr[:], data[0:8])
	d.ProtocolVersion = binary.LittleEndian.Uint64(data[8:16])
	d.VAddr = binary.LittleEndian.Uint64(data[16:24])
	d.RKey = binary.LittleEndian.Uint32(data[24:28])
	d.RecvBufNum = binary.LittleEndian.Uint32(data[28:32])
	d.RecvBufSize = binary.LittleEndian.Uint32(data[32:36])

	if !bytes.Equal(d.VerificationStr[:], []byte(commDestVerification)) {
		return fmt.Errorf("%w: invalid verification string %q", ErrHandshake, d.VerificationStr[:])
	}
	if d.ProtocolVersion != commDestProtoVersion {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrHandshake, d.ProtocolVersion)
	}
	return nil
}

func parseCommDest(data []byte) (*CommDest, error) {
	d := &CommDest{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}
