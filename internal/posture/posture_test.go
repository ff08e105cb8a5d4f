package posture

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/database"
	"POSTURE_DETECTOR/go-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleAt(offset time.Duration, label string, conf float64) models.PostureSample {
	return models.PostureSample{Timestamp: t0.Add(offset), Label: label, Confidence: conf}
}

// ---- SmoothingWindow ----

func TestSmoothingWindow_SingleOutlierNeverWins(t *testing.T) {
	w := NewSmoothingWindow(3)
	var got []string
	for i, l := range []string{"A", "A", "B", "A", "A"} {
		got = append(got, w.Push(sampleAt(time.Duration(i)*time.Second, l, 0.9)).Label)
	}
	assert.Equal(t, []string{"A", "A", "A", "A", "A"}, got)
}

func TestSmoothingWindow_TieGoesToMostRecent(t *testing.T) {
	w := NewSmoothingWindow(4)
	w.Push(sampleAt(0, "A", 0.6))
	w.Push(sampleAt(time.Second, "B", 0.7))
	out := w.Push(sampleAt(2*time.Second, "A", 0.8))
	assert.Equal(t, "A", out.Label)
	assert.Equal(t, 0.8, out.Confidence)

	out = w.Push(sampleAt(3*time.Second, "B", 0.5))
	assert.Equal(t, "B", out.Label, "2-2 tie is won by the newest label")
	assert.Equal(t, 0.5, out.Confidence)
	assert.Equal(t, t0.Add(3*time.Second), out.Timestamp)
}

func TestSmoothingWindow_ConfidenceFromNewestWinningSample(t *testing.T) {
	w := NewSmoothingWindow(5)
	w.Push(sampleAt(0, "leg_wrong", 0.9))
	w.Push(sampleAt(time.Second, "leg_wrong", 0.4))
	out := w.Push(sampleAt(2*time.Second, "neck_wrong", 0.99))
	assert.Equal(t, "leg_wrong", out.Label)
	assert.Equal(t, 0.4, out.Confidence)
}

func TestSmoothingWindow_EmitsOnlyLabelsInWindow(t *testing.T) {
	labels := []string{"good_posture", "neck_wrong", "leg_wrong", "leaning_left_side", models.LabelUnknown}
	rng := rand.New(rand.NewSource(42))

	for _, k := range []int{1, 2, 3, 7, 10} {
		w := NewSmoothingWindow(k)
		var raw []string
		for i := 0; i < 500; i++ {
			l := labels[rng.Intn(len(labels))]
			raw = append(raw, l)
			out := w.Push(sampleAt(time.Duration(i)*time.Millisecond, l, rng.Float64()))

			start := len(raw) - k
			if start < 0 {
				start = 0
			}
			assert.Contains(t, raw[start:], out.Label, "k=%d step=%d", k, i)
			assert.LessOrEqual(t, w.Len(), k)
		}
	}
}

func TestSmoothingWindow_Reset(t *testing.T) {
	w := NewSmoothingWindow(3)
	w.Push(sampleAt(0, "A", 1))
	w.Push(sampleAt(0, "A", 1))
	w.Reset()
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, "B", w.Push(sampleAt(0, "B", 1)).Label)
	assert.Equal(t, []string{"B"}, w.Labels())
}

// ---- AlertGate ----

const step = 1100 * time.Millisecond

func TestAlertGate_SingleFirePerBadPeriod(t *testing.T) {
	g := NewAlertGate(5*time.Second, 10*time.Second)

	var fired []int
	for i := 0; i < 10; i++ {
		if g.Evaluate(false, t0.Add(time.Duration(i)*step)) {
			fired = append(fired, i)
		}
	}
	// elapsed is measured from the first bad sample: 5 steps = 5.5s
	assert.Equal(t, []int{5}, fired)
	assert.True(t, g.State().AlertActive)

	assert.False(t, g.Evaluate(true, t0.Add(10*step)))
	st := g.State()
	assert.False(t, st.AlertActive)
	assert.Nil(t, st.BadPostureStart)
	require.NotNil(t, st.LastAlertTime)
	assert.Equal(t, t0.Add(5*step), *st.LastAlertTime)
}

func TestAlertGate_FiveBadThenGoodDoesNotFire(t *testing.T) {
	g := NewAlertGate(5*time.Second, 10*time.Second)

	// the fifth bad sample sits at 4.4s, short of the threshold
	fired := 0
	for i := 0; i < 5; i++ {
		if g.Evaluate(false, t0.Add(time.Duration(i)*step)) {
			fired++
		}
	}
	if g.Evaluate(true, t0.Add(5*step)) {
		fired++
	}
	assert.Zero(t, fired)
	st := g.State()
	assert.Nil(t, st.BadPostureStart)
	assert.Nil(t, st.LastAlertTime)
}

func TestAlertGate_ProlongedBadFiresOnce(t *testing.T) {
	g := NewAlertGate(5*time.Second, 10*time.Second)
	count := 0
	for i := 0; i < 120; i++ {
		if g.Evaluate(false, t0.Add(time.Duration(i)*time.Second)) {
			count++
		}
	}
	assert.Equal(t, 1, count, "an active alert stays active until a good label")
}

func TestAlertGate_CooldownSpansGoodPeriods(t *testing.T) {
	g := NewAlertGate(5*time.Second, 10*time.Second)
	at := func(i int) time.Time { return t0.Add(time.Duration(i) * step) }

	fires := 0
	i := 0
	for ; i < 6; i++ {
		if g.Evaluate(false, at(i)) {
			fires++
		}
	}
	require.Equal(t, 1, fires)

	assert.False(t, g.Evaluate(true, at(i)))
	i++

	// second bad run crosses the threshold at step 12, only 7.7s after the alert
	for ; i < 15; i++ {
		assert.False(t, g.Evaluate(false, at(i)), "step %d is inside the cooldown", i)
	}

	// step 15 is 11s after the first alert
	assert.True(t, g.Evaluate(false, at(i)))
	assert.True(t, g.State().AlertActive)
}

func TestAlertGate_ConfigurableCooldown(t *testing.T) {
	g := NewAlertGate(5*time.Second, 20*time.Second)
	assert.False(t, g.Evaluate(false, t0))
	assert.True(t, g.Evaluate(false, t0.Add(5*time.Second)))
	g.Evaluate(true, t0.Add(6*time.Second))
	g.Evaluate(false, t0.Add(7*time.Second))
	assert.False(t, g.Evaluate(false, t0.Add(20*time.Second)))
	assert.True(t, g.Evaluate(false, t0.Add(25*time.Second)))
}

func TestAlertGate_Reset(t *testing.T) {
	g := NewAlertGate(0, time.Hour)
	assert.True(t, g.Evaluate(false, t0))
	g.Reset()
	assert.Equal(t, AlertState{}, g.State())
	assert.True(t, g.Evaluate(false, t0.Add(time.Second)), "reset drops the cooldown too")
}

// ---- LabelPolicy ----

func TestLabelPolicy_IsGood(t *testing.T) {
	p := NewLabelPolicy([]string{"neck_right", "leg_right"})
	good := []string{"good_posture", "neck_right", "leg_right", "correct_posture", "posture", models.LabelUnknown}
	bad := []string{"bad_sitting_forward", "neck_wrong", "leg_wrong", "leaning_left_side"}
	for _, l := range good {
		assert.True(t, p.IsGood(l), l)
	}
	for _, l := range bad {
		assert.False(t, p.IsGood(l), l)
	}
}

func TestAlertTrackID(t *testing.T) {
	assert.Equal(t, 7, AlertTrackID("neck_wrong"))
	assert.Equal(t, 8, AlertTrackID("leg_wrong"))
	assert.Equal(t, 2, AlertTrackID("something_else"))
}

// ---- Segmenter ----

type recordedInterval struct {
	label string
	start time.Time
	end   *time.Time
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	intervals map[int64]*recordedInterval
	failOpen  bool
	failClose bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{intervals: make(map[int64]*recordedInterval)}
}

func (f *fakeStore) CreateInterval(_ context.Context, _ int64, label string, _ float64, start time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen {
		return 0, errors.New("db down")
	}
	f.nextID++
	f.intervals[f.nextID] = &recordedInterval{label: label, start: start}
	return f.nextID, nil
}

func (f *fakeStore) CloseInterval(_ context.Context, id int64, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClose {
		return errors.New("db down")
	}
	iv, ok := f.intervals[id]
	if !ok {
		return errors.New("no such interval")
	}
	iv.end = &end
	return nil
}

func (f *fakeStore) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, iv := range f.intervals {
		if iv.end == nil {
			n++
		}
	}
	return n
}

func TestSegmenter_LabelChangeClosesThenOpens(t *testing.T) {
	store := newFakeStore()
	seg := NewSegmenter(store, SegmenterConfig{SessionID: 1})
	ctx := context.Background()

	ev := seg.Observe(ctx, sampleAt(0, "good_posture", 0.9))
	require.Len(t, ev, 1)
	assert.Equal(t, EventOpened, ev[0].Type)
	assert.Equal(t, int64(1), ev[0].Interval.ID)
	assert.Equal(t, "good_posture", ev[0].Interval.RecommendationRef)

	assert.Empty(t, seg.Observe(ctx, sampleAt(time.Second, "good_posture", 0.9)))

	ev = seg.Observe(ctx, sampleAt(3*time.Second, "neck_wrong", 0.8))
	require.Len(t, ev, 2)
	assert.Equal(t, EventClosed, ev[0].Type)
	assert.Equal(t, 3*time.Second, ev[0].Duration)
	assert.Equal(t, EventOpened, ev[1].Type)
	assert.Equal(t, *ev[0].Interval.End, ev[1].Interval.Start)
	assert.Equal(t, 1, store.openCount())
}

func TestSegmenter_StillActiveIsThrottled(t *testing.T) {
	seg := NewSegmenter(newFakeStore(), SegmenterConfig{SessionID: 1, UpdateInterval: time.Second})
	ctx := context.Background()

	seg.Observe(ctx, sampleAt(0, "A", 1))
	var updates []time.Duration
	for ms := 100; ms <= 3000; ms += 100 {
		for _, e := range seg.Observe(ctx, sampleAt(time.Duration(ms)*time.Millisecond, "A", 1)) {
			require.Equal(t, EventStillActive, e.Type)
			updates = append(updates, e.Duration)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, updates)
}

func TestSegmenter_CloseIsIdempotent(t *testing.T) {
	store := newFakeStore()
	seg := NewSegmenter(store, SegmenterConfig{SessionID: 1})
	ctx := context.Background()

	_, ok := seg.Close(ctx, t0)
	assert.False(t, ok, "nothing open yet")

	seg.Observe(ctx, sampleAt(0, "A", 1))
	ev, ok := seg.Close(ctx, t0.Add(2*time.Second))
	require.True(t, ok)
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, 2*time.Second, ev.Duration)

	_, ok = seg.Close(ctx, t0.Add(3*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 1, seg.Opened())
	assert.Equal(t, 1, seg.Closed())
	assert.Equal(t, 0, store.openCount())
}

func TestSegmenter_ClockStepBackClampsEnd(t *testing.T) {
	seg := NewSegmenter(newFakeStore(), SegmenterConfig{SessionID: 1})
	ctx := context.Background()

	seg.Observe(ctx, sampleAt(10*time.Second, "A", 1))
	ev := seg.Observe(ctx, sampleAt(5*time.Second, "B", 1))
	require.Len(t, ev, 2)
	assert.Equal(t, ev[0].Interval.Start, *ev[0].Interval.End)
	assert.Zero(t, ev[0].Duration)
	assert.False(t, ev[1].Interval.Start.Before(*ev[0].Interval.End))
}

func TestSegmenter_PersistenceFailureKeepsSegmenting(t *testing.T) {
	store := newFakeStore()
	store.failOpen = true

	var failures []error
	seg := NewSegmenter(store, SegmenterConfig{
		SessionID:          1,
		OnPersistenceError: func(err error) { failures = append(failures, err) },
	})
	ctx := context.Background()

	ev := seg.Observe(ctx, sampleAt(0, "A", 1))
	assert.Zero(t, ev[0].Interval.ID)

	store.failOpen = false
	ev = seg.Observe(ctx, sampleAt(time.Second, "B", 1))
	require.Len(t, ev, 2)
	assert.Equal(t, EventClosed, ev[0].Type)
	assert.NotZero(t, ev[1].Interval.ID)

	require.Len(t, failures, 1)
	var perr *models.PersistenceError
	require.ErrorAs(t, failures[0], &perr)
	assert.Equal(t, "create_interval", perr.Op)

	store.failClose = true
	_, ok := seg.Close(ctx, t0.Add(2*time.Second))
	assert.True(t, ok)
	assert.Len(t, failures, 2)
	_, open := seg.Current()
	assert.False(t, open)
}

// flakyCloseStore rejects the next failCloses closes and then behaves like
// the wrapped MemoryStore.
type flakyCloseStore struct {
	*database.MemoryStore
	failCloses int
}

func (f *flakyCloseStore) CloseInterval(ctx context.Context, id int64, end time.Time) error {
	if f.failCloses > 0 {
		f.failCloses--
		return errors.New("connection reset")
	}
	return f.MemoryStore.CloseInterval(ctx, id, end)
}

func TestSegmenter_FailedCloseIsRetried(t *testing.T) {
	tests := []struct {
		name       string
		failCloses int
		rows       []string
		failures   int
	}{
		{"single failure", 1, []string{"A", "B", "C", "D", "E", "F"}, 1},
		// the retry before B fails too, so B cannot be created
		{"failure outlasts next open", 2, []string{"A", "C", "D", "E", "F"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := database.NewMemoryStore()
			sess, err := mem.CreateSession(ctx, "owner-1")
			require.NoError(t, err)
			store := &flakyCloseStore{MemoryStore: mem, failCloses: tt.failCloses}

			failures := 0
			seg := NewSegmenter(store, SegmenterConfig{
				SessionID:          sess.ID,
				OnPersistenceError: func(error) { failures++ },
			})
			for i, label := range []string{"A", "B", "C", "D", "E", "F"} {
				seg.Observe(ctx, sampleAt(time.Duration(i)*time.Second, label, 0.9))
			}
			_, ok := seg.Close(ctx, t0.Add(6*time.Second))
			require.True(t, ok)

			assert.Equal(t, tt.failures, failures)
			assert.Zero(t, seg.Pending())

			rows := mem.Intervals(sess.ID)
			var labels []string
			for _, iv := range rows {
				labels = append(labels, iv.Label)
				require.NotNil(t, iv.End, "interval %d left open", iv.ID)
				assert.Equal(t, iv.Label, iv.RecommendationRef)
			}
			assert.Equal(t, tt.rows, labels)
			assert.Equal(t, t0.Add(time.Second), *rows[0].End, "retried close keeps its end")
		})
	}
}

func TestSegmenter_CloseRetriesWithNothingOpen(t *testing.T) {
	store := newFakeStore()
	seg := NewSegmenter(store, SegmenterConfig{SessionID: 1})
	ctx := context.Background()

	seg.Observe(ctx, sampleAt(0, "A", 1))
	store.failClose = true
	_, ok := seg.Close(ctx, t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 1, seg.Pending())
	assert.Equal(t, 1, store.openCount())

	store.failClose = false
	_, ok = seg.Close(ctx, t0.Add(2*time.Second))
	assert.False(t, ok)
	assert.Zero(t, seg.Pending())
	assert.Zero(t, store.openCount())
}

func TestSegmenter_RandomStreamProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	labels := []string{"good_posture", "neck_wrong", "leg_wrong"}

	for run := 0; run < 20; run++ {
		store := newFakeStore()
		seg := NewSegmenter(store, SegmenterConfig{SessionID: int64(run)})
		ctx := context.Background()

		var completed []SegmentEvent
		var now time.Duration
		n := 1 + rng.Intn(200)
		for i := 0; i < n; i++ {
			now += time.Duration(50+rng.Intn(300)) * time.Millisecond
			for _, e := range seg.Observe(ctx, sampleAt(now, labels[rng.Intn(len(labels))], 0.9)) {
				if e.Type == EventClosed {
					completed = append(completed, e)
				}
			}
			assert.LessOrEqual(t, store.openCount(), 1)
		}
		end := now + time.Second
		last, ok := seg.Close(ctx, t0.Add(end))
		require.True(t, ok)
		completed = append(completed, last)

		assert.Equal(t, seg.Opened(), seg.Closed(), "every opened interval is closed")
		assert.Equal(t, 0, store.openCount())

		var sum time.Duration
		for i, e := range completed {
			sum += e.Duration
			if i > 0 {
				prev := completed[i-1].Interval
				assert.False(t, e.Interval.Start.Before(*prev.End), "intervals overlap")
			}
		}
		first := completed[0].Interval.Start
		assert.Equal(t, t0.Add(end).Sub(first), sum, "durations cover the monitored time")
	}
}

// ---- History ----

func TestHistory_Snapshot(t *testing.T) {
	h := NewHistory(4)
	h.Add(sampleAt(0, "A", 1))
	h.Add(sampleAt(time.Second, "B", 1))
	h.Add(sampleAt(2*time.Second, "B", 1))
	h.Add(sampleAt(3*time.Second, "A", 1))
	h.Add(sampleAt(4*time.Second, "A", 1))

	s := h.Snapshot(9)
	assert.Equal(t, int64(9), s.SessionID)
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 3.0, s.TotalTimeSec)
	assert.Equal(t, map[string]int{"A": 2, "B": 2}, s.Counts)
	assert.InDelta(t, 50.0, s.Percentages["A"], 1e-9)
	assert.Equal(t, 1, s.Transitions)

	h.Reset()
	empty := h.Snapshot(9)
	assert.Zero(t, empty.Samples)
	assert.Empty(t, empty.Counts)
}
