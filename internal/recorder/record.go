package recorder

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/yanun0323/errors"

	"exchange/internal/schema"
)

// Record layout, little endian:
//
//	0:4   magic "MDR1"
//	4:6   event type
//	6:8   schema version
//	8:10  source
//	10:12 flags
//	12:16 payload length
//	16:24 seq
//	24:32 ts event
//	32:40 ts recv
//	40:   payload, then crc32c over header and payload
const (
	recordHeaderSize   = 40
	recordChecksumSize = 4
	recordOverhead     = recordHeaderSize + recordChecksumSize

	// maxInlinePayload bounds a single record payload. Market updates use 48.
	maxInlinePayload = 64
)

var (
	recordMagic = [4]byte{'M', 'D', 'R', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic    = errors.New("recorder: invalid record magic")
	ErrPayloadTooLarge = errors.New("recorder: payload too large")
	ErrChecksum        = errors.New("recorder: checksum mismatch")
	ErrTornRecord      = errors.New("recorder: torn record")
)

func putHeader(dst []byte, h schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.Type))
	binary.LittleEndian.PutUint16(dst[6:8], h.Version)
	binary.LittleEndian.PutUint16(dst[8:10], h.Source)
	binary.LittleEndian.PutUint16(dst[10:12], h.Flags)
	binary.LittleEndian.PutUint32(dst[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(dst[16:24], h.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(h.TsEvent))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(h.TsRecv))
}

func parseHeader(src []byte) (schema.EventHeader, int, error) {
	if [4]byte(src[0:4]) != recordMagic {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	n := int(binary.LittleEndian.Uint32(src[12:16]))
	if n > maxInlinePayload {
		return schema.EventHeader{}, 0, errors.Wrap(ErrPayloadTooLarge, "parse header").With("len", n)
	}
	return schema.EventHeader{
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[4:6])),
		Version: binary.LittleEndian.Uint16(src[6:8]),
		Source:  binary.LittleEndian.Uint16(src[8:10]),
		Flags:   binary.LittleEndian.Uint16(src[10:12]),
		Seq:     binary.LittleEndian.Uint64(src[16:24]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[24:32])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[32:40])),
	}, n, nil
}

func checksum(header, payload []byte) uint32 {
	return crc32.Update(crc32.Update(0, crcTable, header), crcTable, payload)
}
