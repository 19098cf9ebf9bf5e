package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose   = errors.New("connection closed")
	ErrEmptyGroupAddress = errors.New("multicast: empty group address")
	ErrNotMulticast      = errors.New("multicast: address is not a multicast group")
)
