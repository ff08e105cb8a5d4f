package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_LossyDropsOldest(t *testing.T) {
	ch := NewChannel[int](3)
	for i := 1; i <= 5; i++ {
		_, err := ch.Send(Lossy, i)
		require.NoError(t, err)
	}

	var got []int
	for {
		v, ok := ch.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	st := ch.Stats()
	assert.Equal(t, uint64(5), st.Sent)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, uint64(3), st.Delivered)
	assert.Zero(t, st.Pending)
}

func TestChannel_ReliableNeverDrops(t *testing.T) {
	ch := NewChannel[int](1)
	for i := 0; i < 1000; i++ {
		dropped, err := ch.Send(Reliable, i)
		require.NoError(t, err)
		require.False(t, dropped)
	}
	for i := 0; i < 1000; i++ {
		v, ok := ch.TryReceive()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	assert.Zero(t, ch.Stats().Dropped)
}

func TestChannel_OrderAcrossLanes(t *testing.T) {
	ch := NewChannel[string](8)
	ch.Send(Lossy, "frame-1")
	ch.Send(Reliable, "closed-1")
	ch.Send(Lossy, "frame-2")
	ch.Send(Reliable, "status")

	var got []string
	for i := 0; i < 4; i++ {
		v, err := ch.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"frame-1", "closed-1", "frame-2", "status"}, got)
}

func TestChannel_ReceiveTimeoutIsLiveness(t *testing.T) {
	ch := NewChannel[int](1)
	start := time.Now()
	_, err := ch.Receive(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ch.Send(Lossy, 7)
	v, err := ch.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestChannel_ReceiveWakesOnSend(t *testing.T) {
	ch := NewChannel[int](1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.Send(Reliable, 42)
	}()
	v, err := ch.Receive(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestChannel_CloseDrainsThenErrClosed(t *testing.T) {
	ch := NewChannel[int](2)
	ch.Send(Reliable, 1)
	ch.Close()

	_, err := ch.Send(Reliable, 2)
	assert.ErrorIs(t, err, ErrClosed)

	v, err := ch.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = ch.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannel_ReceiveHonoursContext(t *testing.T) {
	ch := NewChannel[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Receive(ctx, time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestChannel_ConcurrentProducer(t *testing.T) {
	ch := NewChannel[int](4)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			lane := Lossy
			if i%10 == 0 {
				lane = Reliable
			}
			ch.Send(lane, i)
		}
		ch.Close()
	}()

	last := -1
	reliable := 0
	for {
		v, err := ch.Receive(context.Background(), time.Second)
		if errors.Is(err, ErrClosed) {
			break
		}
		require.NoError(t, err)
		require.Greater(t, v, last, "items arrive in send order")
		last = v
		if v%10 == 0 {
			reliable++
		}
	}
	wg.Wait()
	assert.Equal(t, n/10, reliable, "no reliable item is lost")
}

func TestHub_BroadcastRoutesBySession(t *testing.T) {
	hub := NewHub()
	a := NewChannel[models.WebSocketMessage](4)
	b := NewChannel[models.WebSocketMessage](4)
	other := NewChannel[models.WebSocketMessage](4)

	hub.Subscribe(1, "a", a)
	hub.Subscribe(1, "b", b)
	hub.Subscribe(2, "other", other)

	n, _, err := hub.Broadcast(1, models.StatusMessage{Running: true, SessionID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msg, ok := a.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, "a", msg.ClientID)

	msg, ok = b.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "b", msg.ClientID)

	_, ok = other.TryReceive()
	assert.False(t, ok)
}

func TestHub_FrameDataIsLossyCompletionsReliable(t *testing.T) {
	hub := NewHub()
	out := NewChannel[models.WebSocketMessage](1)
	hub.Subscribe(1, "c", out)

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, _, err := hub.Broadcast(1, models.PostureUpdate{SessionID: 1, Label: "neck_wrong", Confidence: 0.5})
		require.NoError(t, err)
	}
	_, _, err := hub.Broadcast(1, models.SessionItemCompleted{IntervalID: 3, Label: "neck_wrong", Start: now, End: now})
	require.NoError(t, err)
	_, _, err = hub.Broadcast(1, models.StatusMessage{Running: false})
	require.NoError(t, err)

	var kinds []string
	for {
		m, ok := out.TryReceive()
		if !ok {
			break
		}
		kinds = append(kinds, m.Type)
	}
	assert.Equal(t, []string{"posture_update", "session_item_completed", "status"}, kinds)
	assert.Equal(t, uint64(2), out.Stats().Dropped)
}

func TestHub_InvalidMessageIsRejected(t *testing.T) {
	hub := NewHub()
	out := NewChannel[models.WebSocketMessage](1)
	hub.Subscribe(1, "c", out)

	_, _, err := hub.Broadcast(1, models.ErrorMessage{})
	assert.Error(t, err)
	assert.Zero(t, out.Stats().Sent)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(1, "a", NewChannel[models.WebSocketMessage](1))
	hub.Subscribe(1, "b", NewChannel[models.WebSocketMessage](1))
	hub.Subscribe(2, "c", NewChannel[models.WebSocketMessage](1))

	hub.Unsubscribe("a")
	assert.Len(t, hub.Subscriptions(1), 1)

	ids := hub.UnsubscribeSession(1)
	assert.Equal(t, []string{"b"}, ids)
	assert.Empty(t, hub.Subscriptions(1))
	assert.Len(t, hub.Subscriptions(2), 1)

	hub.Subscribe(3, "c", NewChannel[models.WebSocketMessage](1))
	assert.Empty(t, hub.Subscriptions(2), "a client follows one session at a time")
}

func TestLaneFor(t *testing.T) {
	assert.Equal(t, Lossy, LaneFor(models.KindDetectionResult))
	assert.Equal(t, Lossy, LaneFor(models.KindStatistics))
	assert.Equal(t, Reliable, LaneFor(models.KindSessionItemCompleted))
	assert.Equal(t, Reliable, LaneFor(models.KindError))
	assert.Equal(t, Reliable, LaneFor(models.KindAuthSuccess))
}
