package recorder

import (
	"bufio"
	"encoding/binary"
	"io"

	"exchange/internal/schema"
)

// Reader decodes records sequentially from one segment.
type Reader struct {
	r        *bufio.Reader
	verify   bool
	header   [recordHeaderSize]byte
	payload  [maxInlinePayload]byte
	checksum [recordChecksumSize]byte
}

// NewReader wraps r. When verify is false checksums are not checked.
func NewReader(r io.Reader, verify bool) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), verify: verify}
}

// Next returns the next record. The payload is only valid until the next call.
// It returns io.EOF at a clean end and ErrTornRecord when the segment ends
// inside a record, which happens when the writer was killed mid-write.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if n, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if err == io.EOF && n == 0 {
			return schema.EventHeader{}, nil, io.EOF
		}
		return schema.EventHeader{}, nil, torn(err)
	}

	h, n, err := parseHeader(r.header[:])
	if err != nil {
		return h, nil, err
	}

	payload := r.payload[:n]
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return h, nil, torn(err)
	}
	if _, err := io.ReadFull(r.r, r.checksum[:]); err != nil {
		return h, nil, torn(err)
	}
	if r.verify && binary.LittleEndian.Uint32(r.checksum[:]) != checksum(r.header[:], payload) {
		return h, nil, ErrChecksum
	}
	return h, payload, nil
}

func torn(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTornRecord
	}
	return err
}
