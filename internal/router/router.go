// Package router translates inbound step and percent events into writes on
// the paired address.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/knxstepbridge/internal/bridge"
	"github.com/dokzlo13/knxstepbridge/internal/convert"
	"github.com/dokzlo13/knxstepbridge/internal/eventbus"
	"github.com/dokzlo13/knxstepbridge/internal/payload"
)

// DefaultInboxSize is the router's inbound queue capacity
const DefaultInboxSize = 100

// Observer is notified after every handled event
type Observer func(ctx context.Context, res Result)

// Router consumes inbound events and emits the converted value on the
// paired address.
type Router struct {
	registry *bridge.Registry
	guard    *bridge.Guard
	sender   Sender
	now      func() time.Time
	observer Observer

	inbox chan Event
}

// Option configures a Router
type Option func(*Router)

// WithClock replaces the clock used for debounce timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithInboxSize sets the inbound queue capacity
func WithInboxSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.inbox = make(chan Event, n)
		}
	}
}

// WithObserver registers a callback run after each handled event
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// New creates a router over the given registry, guard and sender
func New(registry *bridge.Registry, guard *bridge.Guard, sender Sender, opts ...Option) *Router {
	r := &Router{
		registry: registry,
		guard:    guard,
		sender:   sender,
		now:      time.Now,
		inbox:    make(chan Event, DefaultInboxSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue queues an event for Run without blocking.
// It returns false when the inbox is full and the event was dropped.
func (r *Router) Enqueue(ev Event) bool {
	select {
	case r.inbox <- ev:
		return true
	default:
		log.Warn().Str("address", ev.Address).Msg("Router inbox full, dropping event")
		return false
	}
}

// Run processes queued events one at a time until ctx is cancelled
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			r.Handle(ctx, ev)
		}
	}
}

// Attach subscribes the router to KNX events on the bus. The subscription
// is dropped when the bus publishes EventTypeStop or when the returned
// function is called.
func (r *Router) Attach(bus *eventbus.Bus) eventbus.Unsubscribe {
	unsubKNX := bus.Subscribe(eventbus.EventTypeKNX, func(e eventbus.Event) {
		r.Enqueue(EventFromData(e.Data))
	})
	unsubStop := bus.SubscribeOnce(eventbus.EventTypeStop, func(eventbus.Event) {
		unsubKNX()
		log.Debug().Msg("Router detached from event bus")
	})

	return func() {
		unsubKNX()
		unsubStop()
	}
}

// Handle routes a single event. Every fault path ends in a dropped Result;
// nothing here returns an error.
func (r *Router) Handle(ctx context.Context, ev Event) Result {
	res := r.route(ctx, ev)
	if r.observer != nil {
		r.observer(ctx, res)
	}
	return res
}

func (r *Router) route(ctx context.Context, ev Event) Result {
	if ev.Address == "" || ev.Payload.IsNone() {
		log.Debug().Str("address", ev.Address).Msg("Dropping event without address or payload")
		return dropped(ReasonMalformed, ev.Address)
	}

	b, ok := r.registry.Resolve(ev.Address)
	if !ok {
		return dropped(ReasonUnknownAddress, ev.Address)
	}

	raw, ok := payload.Decode(ev.Payload)
	if !ok {
		log.Debug().
			Str("bridge", b.Name).
			Str("address", ev.Address).
			Str("kind", ev.Payload.Kind.String()).
			Msg("Unknown KNX payload format")
		res := dropped(ReasonUndecodable, ev.Address)
		res.Bridge = b.Name
		return res
	}

	switch ev.Address {
	case b.StepAddress:
		return r.stepToPercent(ctx, b, raw)
	case b.PercentAddress:
		return r.percentToStep(ctx, b, raw)
	default:
		return dropped(ReasonUnknownAddress, ev.Address)
	}
}

func (r *Router) stepToPercent(ctx context.Context, b *bridge.Bridge, raw uint64) Result {
	step := b.MaxStep
	if raw < uint64(b.MaxStep) {
		step = int(raw)
	}
	percent := convert.StepToPercent(step, b.MaxStep)

	req := SendRequest{Address: b.PercentAddress, Payload: convert.ClampPercent(percent), Type: TypePercent}
	admitted := r.guard.Admit(b, bridge.DirectionStep, bridge.DirectionPercent, r.now, func() {
		r.sender.Send(ctx, req)
	})
	if !admitted {
		log.Debug().Str("bridge", b.Name).Str("address", b.StepAddress).Msg("Suppressed step echo")
		return Result{Action: ActionDropped, Reason: ReasonDebounced, Bridge: b.Name, Address: b.StepAddress, Raw: raw}
	}

	log.Debug().
		Str("bridge", b.Name).
		Str("from", b.StepAddress).
		Str("to", b.PercentAddress).
		Int("step", step).
		Int("percent", req.Payload).
		Msg("step -> percent")

	return Result{
		Action:  ActionSentPercent,
		Bridge:  b.Name,
		Address: b.StepAddress,
		Target:  b.PercentAddress,
		Raw:     raw,
		Value:   req.Payload,
		Percent: req.Payload,
	}
}

func (r *Router) percentToStep(ctx context.Context, b *bridge.Bridge, raw uint64) Result {
	// DPT 5.001 is a single byte; anything wider is treated as full scale
	rawByte := convert.MaxByte
	if raw <= convert.MaxByte {
		rawByte = int(raw)
	} else {
		log.Debug().Str("bridge", b.Name).Uint64("raw", raw).Msg("Percent payload above one byte, clamping")
	}
	percent, step := convert.PercentToStep(rawByte, b.MaxStep)

	req := SendRequest{Address: b.StepAddress, Payload: convert.ClampStep(step, b.MaxStep), Type: TypeStep}
	admitted := r.guard.Admit(b, bridge.DirectionPercent, bridge.DirectionStep, r.now, func() {
		r.sender.Send(ctx, req)
	})
	if !admitted {
		log.Debug().Str("bridge", b.Name).Str("address", b.PercentAddress).Msg("Suppressed percent echo")
		return Result{Action: ActionDropped, Reason: ReasonDebounced, Bridge: b.Name, Address: b.PercentAddress, Raw: raw}
	}

	log.Debug().
		Str("bridge", b.Name).
		Str("from", b.PercentAddress).
		Str("to", b.StepAddress).
		Int("percent", percent).
		Int("step", req.Payload).
		Int("max_step", b.MaxStep).
		Msg("percent -> step")

	return Result{
		Action:  ActionSentStep,
		Bridge:  b.Name,
		Address: b.PercentAddress,
		Target:  b.StepAddress,
		Raw:     raw,
		Value:   req.Payload,
		Percent: percent,
	}
}
