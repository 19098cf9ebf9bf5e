package exception

import "github.com/yanun0323/errors"

var (
	ErrMarketDataMalformed    = errors.New("market data: malformed datagram")
	ErrMarketDataSequenceGap  = errors.New("market data: sequence gap")
	ErrMarketDataNilTransport = errors.New("market data: nil transport")
)
