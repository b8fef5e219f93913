package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyield/internal/domain"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, err := bus.Subscribe(ctx, domain.EventsChannel)
	require.NoError(t, err)
	pattern, err := bus.Subscribe(ctx, "vault:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.EventsChannel, []byte("e1")))
	require.NoError(t, bus.Publish(ctx, "other", []byte("skip")))

	assert.Equal(t, []byte("e1"), <-exact)
	assert.Equal(t, []byte("e1"), <-pattern)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-exact
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestEventBus_Stream(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(2)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.EventsStream, []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, domain.EventsStream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "trimmed to max length")
	assert.Equal(t, []byte("b"), msgs[0].Payload)

	msgs, err = bus.StreamRead(ctx, domain.EventsStream, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("c"), msgs[0].Payload)
}

func TestNonceStore_Claim(t *testing.T) {
	t.Parallel()

	ns := NewNonceStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ns.now = func() time.Time { return now }
	ctx := context.Background()
	signer := common.HexToAddress("0xabc")

	require.NoError(t, ns.Claim(ctx, signer, "n", time.Minute))
	require.ErrorIs(t, ns.Claim(ctx, signer, "n", time.Minute), domain.ErrNonceReused)
	require.NoError(t, ns.Claim(ctx, common.HexToAddress("0xdef"), "n", time.Minute))

	now = now.Add(2 * time.Minute)
	require.NoError(t, ns.Claim(ctx, signer, "n", time.Minute))
}
