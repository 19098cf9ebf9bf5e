package codec

import (
	"encoding/binary"

	"exchange/internal/schema"
)

const ResponseFrameSize = 56

// ResponseFrame is a client response as carried on the gateway socket.
// Seq is the per-client outgoing sequence number, starting at 1.
type ResponseFrame struct {
	Seq      uint64
	Response schema.ClientResponse
}

// EncodeResponse serializes a response frame into a fixed-size payload.
func EncodeResponse(dst []byte, f ResponseFrame) []byte {
	if cap(dst) < ResponseFrameSize {
		dst = make([]byte, ResponseFrameSize)
	} else {
		dst = dst[:ResponseFrameSize]
	}

	rsp := f.Response
	binary.LittleEndian.PutUint16(dst[0:2], uint16(rsp.Type))
	binary.LittleEndian.PutUint16(dst[2:4], uint16(rsp.Side))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(rsp.ClientID))
	binary.LittleEndian.PutUint64(dst[8:16], f.Seq)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(rsp.ClientOrderID))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(rsp.MarketOrderID))
	binary.LittleEndian.PutUint32(dst[32:36], uint32(rsp.SymbolID))
	binary.LittleEndian.PutUint16(dst[36:38], uint16(rsp.Reason))
	binary.LittleEndian.PutUint16(dst[38:40], 0)
	binary.LittleEndian.PutUint64(dst[40:48], uint64(rsp.Price))
	binary.LittleEndian.PutUint32(dst[48:52], uint32(rsp.ExecQty))
	binary.LittleEndian.PutUint32(dst[52:56], uint32(rsp.LeavesQty))

	return dst
}

// DecodeResponse parses a fixed-size response frame.
func DecodeResponse(src []byte) (ResponseFrame, bool) {
	if len(src) < ResponseFrameSize {
		return ResponseFrame{}, false
	}
	return ResponseFrame{
		Seq: binary.LittleEndian.Uint64(src[8:16]),
		Response: schema.ClientResponse{
			Type:          schema.ResponseType(binary.LittleEndian.Uint16(src[0:2])),
			Side:          schema.OrderSide(binary.LittleEndian.Uint16(src[2:4])),
			ClientID:      schema.ClientID(binary.LittleEndian.Uint32(src[4:8])),
			ClientOrderID: schema.OrderID(binary.LittleEndian.Uint64(src[16:24])),
			MarketOrderID: schema.OrderID(binary.LittleEndian.Uint64(src[24:32])),
			SymbolID:      schema.SymbolID(binary.LittleEndian.Uint32(src[32:36])),
			Reason:        schema.RejectReason(binary.LittleEndian.Uint16(src[36:38])),
			Price:         schema.Price(int64(binary.LittleEndian.Uint64(src[40:48]))),
			ExecQty:       schema.Quantity(binary.LittleEndian.Uint32(src[48:52])),
			LeavesQty:     schema.Quantity(binary.LittleEndian.Uint32(src[52:56])),
		},
	}, true
}
