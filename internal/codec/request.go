package codec

import (
	"encoding/binary"

	"exchange/internal/schema"
)

const RequestFrameSize = 40

// RequestFrame is a client request as carried on the gateway socket.
// Seq is the client's outgoing sequence number, starting at 1.
type RequestFrame struct {
	Seq     uint64
	Request schema.ClientRequest
}

// EncodeRequest serializes a request frame into a fixed-size payload.
func EncodeRequest(dst []byte, f RequestFrame) []byte {
	if cap(dst) < RequestFrameSize {
		dst = make([]byte, RequestFrameSize)
	} else {
		dst = dst[:RequestFrameSize]
	}

	req := f.Request
	binary.LittleEndian.PutUint16(dst[0:2], uint16(req.Type))
	binary.LittleEndian.PutUint16(dst[2:4], uint16(req.Side))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(req.ClientID))
	binary.LittleEndian.PutUint64(dst[8:16], f.Seq)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(req.OrderID))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(req.SymbolID))
	binary.LittleEndian.PutUint32(dst[28:32], uint32(req.Qty))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(req.Price))

	return dst
}

// DecodeRequest parses a fixed-size request frame.
// It only checks length; field validation belongs to the gateway and engine.
func DecodeRequest(src []byte) (RequestFrame, bool) {
	if len(src) < RequestFrameSize {
		return RequestFrame{}, false
	}
	return RequestFrame{
		Seq: binary.LittleEndian.Uint64(src[8:16]),
		Request: schema.ClientRequest{
			Type:     schema.RequestType(binary.LittleEndian.Uint16(src[0:2])),
			Side:     schema.OrderSide(binary.LittleEndian.Uint16(src[2:4])),
			ClientID: schema.ClientID(binary.LittleEndian.Uint32(src[4:8])),
			OrderID:  schema.OrderID(binary.LittleEndian.Uint64(src[16:24])),
			SymbolID: schema.SymbolID(binary.LittleEndian.Uint32(src[24:28])),
			Qty:      schema.Quantity(binary.LittleEndian.Uint32(src[28:32])),
			Price:    schema.Price(int64(binary.LittleEndian.Uint64(src[32:40]))),
		},
	}, true
}
