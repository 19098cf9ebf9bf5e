package mdg

// Transport sends one datagram. Implementations must not block; a
// *mcast.Sender satisfies it.
type Transport interface {
	Send(datagram []byte) error
}

// sendLogEvery throttles send error logging on the hot path.
const sendLogEvery = 1024
