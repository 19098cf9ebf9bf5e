package codec

import (
	"encoding/binary"

	"exchange/internal/schema"
)

const MarketUpdateSize = 48

// EncodeMarketUpdate serializes a sequenced market update into one datagram payload.
func EncodeMarketUpdate(dst []byte, u schema.SequencedUpdate) []byte {
	if cap(dst) < MarketUpdateSize {
		dst = make([]byte, MarketUpdateSize)
	} else {
		dst = dst[:MarketUpdateSize]
	}

	md := u.Update
	binary.LittleEndian.PutUint64(dst[0:8], u.Seq)
	binary.LittleEndian.PutUint16(dst[8:10], uint16(md.Type))
	binary.LittleEndian.PutUint16(dst[10:12], uint16(md.Side))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(md.SymbolID))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(md.OrderID))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(md.Price))
	binary.LittleEndian.PutUint32(dst[32:36], uint32(md.Qty))
	binary.LittleEndian.PutUint32(dst[36:40], 0)
	binary.LittleEndian.PutUint64(dst[40:48], uint64(md.Priority))

	return dst
}

// DecodeMarketUpdate parses a fixed-size market update payload.
func DecodeMarketUpdate(src []byte) (schema.SequencedUpdate, bool) {
	if len(src) < MarketUpdateSize {
		return schema.SequencedUpdate{}, false
	}
	return schema.SequencedUpdate{
		Seq: binary.LittleEndian.Uint64(src[0:8]),
		Update: schema.MarketUpdate{
			Type:     schema.UpdateType(binary.LittleEndian.Uint16(src[8:10])),
			Side:     schema.OrderSide(binary.LittleEndian.Uint16(src[10:12])),
			SymbolID: schema.SymbolID(binary.LittleEndian.Uint32(src[12:16])),
			OrderID:  schema.OrderID(binary.LittleEndian.Uint64(src[16:24])),
			Price:    schema.Price(int64(binary.LittleEndian.Uint64(src[24:32]))),
			Qty:      schema.Quantity(binary.LittleEndian.Uint32(src[32:36])),
			Priority: schema.Priority(binary.LittleEndian.Uint64(src[40:48])),
		},
	}, true
}
