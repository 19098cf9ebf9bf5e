package og

import (
	"testing"

	"github.com/stretchr/testify/require"

	"exchange/internal/bus"
	"exchange/internal/schema"
	"exchange/pkg/exception"
)

func TestSequencerOrdersByReceiveTime(t *testing.T) {
	out := bus.NewRing[schema.ClientRequest](8)
	s := NewSequencer(out, 4, nil)

	require.NoError(t, s.Add(30, schema.ClientRequest{OrderID: 3}))
	require.NoError(t, s.Add(10, schema.ClientRequest{OrderID: 1}))
	require.NoError(t, s.Add(20, schema.ClientRequest{OrderID: 2}))
	require.NoError(t, s.Add(10, schema.ClientRequest{OrderID: 4}))
	require.True(t, s.Full())
	require.ErrorIs(t, s.Add(40, schema.ClientRequest{OrderID: 5}), exception.ErrQueueOverflow)

	require.Equal(t, 4, s.Flush())
	require.Zero(t, s.Len())

	var ids []schema.OrderID
	var recv []int64
	out.Drain(func(r *schema.ClientRequest) {
		ids = append(ids, r.OrderID)
		recv = append(recv, r.TsRecv)
	})
	require.Equal(t, []schema.OrderID{1, 4, 2, 3}, ids)
	require.Equal(t, []int64{10, 10, 20, 30}, recv)
	require.Zero(t, s.Flush())
}

func TestSequencerOverflow(t *testing.T) {
	out := bus.NewRing[schema.ClientRequest](1)
	s := NewSequencer(out, 4, nil)
	var hits int
	s.OnOverflow = func(string) { hits++ }

	require.NoError(t, s.Add(1, schema.ClientRequest{OrderID: 1}))
	require.NoError(t, s.Add(2, schema.ClientRequest{OrderID: 2}))
	s.Flush()
	require.Equal(t, 1, hits)
	require.Equal(t, 1, out.Len())
}
