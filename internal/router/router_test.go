package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/knxstepbridge/internal/bridge"
	"github.com/dokzlo13/knxstepbridge/internal/eventbus"
	"github.com/dokzlo13/knxstepbridge/internal/payload"
)

// recordingSender captures outbound requests
type recordingSender struct {
	mu   sync.Mutex
	sent []SendRequest
}

func (s *recordingSender) Send(_ context.Context, req SendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
}

func (s *recordingSender) requests() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendRequest, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRouter(window time.Duration, bridges ...*bridge.Bridge) (*Router, *recordingSender, *fakeClock) {
	reg := bridge.NewRegistry()
	for _, b := range bridges {
		reg.Add(b)
	}
	sender := &recordingSender{}
	clock := newFakeClock()
	r := New(reg, bridge.NewGuard(window), sender, WithClock(clock.Now))
	return r, sender, clock
}

func TestRouter_EndToEnd(t *testing.T) {
	r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 4))
	ctx := context.Background()

	res := r.Handle(ctx, Event{Address: "A", Payload: payload.Int(2)})
	require.Equal(t, ActionSentPercent, res.Action)

	res = r.Handle(ctx, Event{Address: "B", Payload: payload.Int(255)})
	require.Equal(t, ActionSentStep, res.Action)
	assert.Equal(t, 100, res.Percent)

	assert.Equal(t, []SendRequest{
		{Address: "B", Payload: 50, Type: TypePercent},
		{Address: "A", Payload: 4, Type: TypeStep},
	}, sender.requests())
}

func TestRouter_StepClamped(t *testing.T) {
	r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 3))

	res := r.Handle(context.Background(), Event{Address: "A", Payload: payload.String("0xFF")})
	require.True(t, res.Sent())
	assert.Equal(t, []SendRequest{{Address: "B", Payload: 100, Type: TypePercent}}, sender.requests())
}

func TestRouter_NegativePayloadClampsToZero(t *testing.T) {
	r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 4))
	ctx := context.Background()

	require.True(t, r.Handle(ctx, Event{Address: "A", Payload: payload.Int(-5)}).Sent())
	require.True(t, r.Handle(ctx, Event{Address: "B", Payload: payload.String("-5")}).Sent())

	assert.Equal(t, []SendRequest{
		{Address: "B", Payload: 0, Type: TypePercent},
		{Address: "A", Payload: 0, Type: TypeStep},
	}, sender.requests())
}

func TestRouter_PercentCeilBoundaries(t *testing.T) {
	tests := []struct {
		raw  int64
		step int
	}{
		{raw: 0, step: 0},
		{raw: 84, step: 1},  // 33%
		{raw: 86, step: 2},  // 34%
		{raw: 168, step: 2}, // 66%
		{raw: 170, step: 3}, // 67%
		{raw: 255, step: 3}, // 100%
		{raw: 4000, step: 3},
	}

	for _, tt := range tests {
		r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 3))
		r.Handle(context.Background(), Event{Address: "B", Payload: payload.Int(tt.raw)})

		reqs := sender.requests()
		require.Len(t, reqs, 1, "raw=%d", tt.raw)
		assert.Equal(t, SendRequest{Address: "A", Payload: tt.step, Type: TypeStep}, reqs[0], "raw=%d", tt.raw)
	}
}

func TestRouter_Debounce(t *testing.T) {
	r, sender, clock := newTestRouter(500*time.Millisecond, bridge.New("cover", "A", "B", 4))
	ctx := context.Background()

	// percent command produces a step write on A
	res := r.Handle(ctx, Event{Address: "B", Payload: payload.Int(255)})
	require.Equal(t, ActionSentStep, res.Action)

	// device echoes the step 0.3s later: suppressed
	clock.Advance(300 * time.Millisecond)
	res = r.Handle(ctx, Event{Address: "A", Payload: payload.Int(4)})
	assert.Equal(t, ActionDropped, res.Action)
	assert.Equal(t, ReasonDebounced, res.Reason)

	// a genuine step change 0.6s after the write goes through
	clock.Advance(300 * time.Millisecond)
	res = r.Handle(ctx, Event{Address: "A", Payload: payload.Int(1)})
	assert.Equal(t, ActionSentPercent, res.Action)
	assert.Equal(t, 25, res.Value)

	assert.Len(t, sender.requests(), 2)
}

func TestRouter_DebounceDirectionScoped(t *testing.T) {
	r, sender, _ := newTestRouter(time.Second, bridge.New("cover", "A", "B", 4))
	ctx := context.Background()

	// the percent write on B only guards B: a percent event is suppressed
	// while a step event on A still passes
	require.True(t, r.Handle(ctx, Event{Address: "A", Payload: payload.Int(2)}).Sent())

	res := r.Handle(ctx, Event{Address: "B", Payload: payload.Int(128)})
	assert.Equal(t, ReasonDebounced, res.Reason)

	res = r.Handle(ctx, Event{Address: "A", Payload: payload.Int(3)})
	assert.True(t, res.Sent())

	assert.Len(t, sender.requests(), 2)
}

func TestRouter_Drops(t *testing.T) {
	tests := []struct {
		name   string
		event  Event
		reason Reason
	}{
		{name: "no_address", event: Event{Payload: payload.Int(1)}, reason: ReasonMalformed},
		{name: "no_payload", event: Event{Address: "A"}, reason: ReasonMalformed},
		{name: "unknown_address", event: Event{Address: "Z", Payload: payload.Int(1)}, reason: ReasonUnknownAddress},
		{name: "undecodable", event: Event{Address: "A", Payload: payload.String("not-a-number")}, reason: ReasonUndecodable},
		{name: "empty_list", event: Event{Address: "B", Payload: payload.List(nil)}, reason: ReasonUndecodable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 4))
			res := r.Handle(context.Background(), tt.event)
			assert.Equal(t, ActionDropped, res.Action)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, sender.requests())
		})
	}
}

func TestRouter_UnknownAddressNeverSends(t *testing.T) {
	r, sender, _ := newTestRouter(0,
		bridge.New("one", "1/0/1", "1/0/2", 3),
		bridge.New("two", "2/0/1", "2/0/2", 5),
	)
	for _, addr := range []string{"1/0/3", "0/0/0", "2/0/", "1/0/1 "} {
		r.Handle(context.Background(), Event{Address: addr, Payload: payload.Int(1)})
	}
	assert.Empty(t, sender.requests())
}

func TestRouter_Observer(t *testing.T) {
	var seen []Result
	reg := bridge.NewRegistry()
	reg.Add(bridge.New("cover", "A", "B", 4))
	r := New(reg, bridge.NewGuard(0), &recordingSender{}, WithObserver(func(_ context.Context, res Result) {
		seen = append(seen, res)
	}))

	r.Handle(context.Background(), Event{Address: "A", Payload: payload.Int(4)})
	r.Handle(context.Background(), Event{Address: "X", Payload: payload.Int(4)})

	require.Len(t, seen, 2)
	assert.Equal(t, ActionSentPercent, seen[0].Action)
	assert.Equal(t, "cover", seen[0].Bridge)
	assert.Equal(t, uint64(4), seen[0].Raw)
	assert.Equal(t, ReasonUnknownAddress, seen[1].Reason)
}

func TestEventFromData(t *testing.T) {
	ev := EventFromData(map[string]any{"address": "1/2/3", "data": "0x1A"})
	assert.Equal(t, "1/2/3", ev.Address)
	assert.Equal(t, payload.KindString, ev.Payload.Kind)

	ev = EventFromData(map[string]any{"destination": "4/5/6", "data": []any{7, 9}})
	assert.Equal(t, "4/5/6", ev.Address)
	assert.Equal(t, payload.KindList, ev.Payload.Kind)

	ev = EventFromData(map[string]any{"address": "1/2/3"})
	assert.True(t, ev.Payload.IsNone())
}

func TestRouter_RunAndAttach(t *testing.T) {
	r, sender, _ := newTestRouter(0, bridge.New("cover", "A", "B", 4))
	bus := eventbus.New()
	defer bus.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	r.Attach(bus)
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeKNX, Data: map[string]any{"address": "A", "data": 2}})

	require.Eventually(t, func() bool { return len(sender.requests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, SendRequest{Address: "B", Payload: 50, Type: TypePercent}, sender.requests()[0])

	// stop lifecycle event detaches the router
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeStop})
	require.Eventually(t, func() bool { return bus.HandlerCount(eventbus.EventTypeKNX) == 0 }, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeKNX, Data: map[string]any{"address": "A", "data": 4}})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.requests(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRouter_EnqueueFull(t *testing.T) {
	r, _, _ := newTestRouter(0, bridge.New("cover", "A", "B", 4))
	r.inbox = make(chan Event, 1)

	assert.True(t, r.Enqueue(Event{Address: "A"}))
	assert.False(t, r.Enqueue(Event{Address: "A"}))
}
