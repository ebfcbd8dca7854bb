package router

import (
	"context"

	"github.com/dokzlo13/knxstepbridge/internal/payload"
)

// Encoding kinds carried in outbound send requests
const (
	TypePercent = "percent"
	TypeStep    = "1byte_unsigned"
)

// SendRequest is one outbound bus write
type SendRequest struct {
	Address string `json:"address"`
	Payload int    `json:"payload"`
	Type    string `json:"type"`
}

// Sender performs bus writes. Send must not block on delivery; the router
// never looks at the outcome.
type Sender interface {
	Send(ctx context.Context, req SendRequest)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, req SendRequest)

// Send calls f(ctx, req)
func (f SenderFunc) Send(ctx context.Context, req SendRequest) { f(ctx, req) }

// Event is an inbound bus event reduced to what routing needs
type Event struct {
	Address string
	Payload payload.Payload
}

// EventFromData extracts an Event from a bus event data map. The address
// is read from "address", falling back to "destination"; the payload from
// "data".
func EventFromData(data map[string]any) Event {
	address, _ := data["address"].(string)
	if address == "" {
		address, _ = data["destination"].(string)
	}
	return Event{
		Address: address,
		Payload: payload.FromAny(data["data"]),
	}
}

// Action is what the router did with an event
type Action string

const (
	ActionSentPercent Action = "sent_percent"
	ActionSentStep    Action = "sent_step"
	ActionDropped     Action = "dropped"
)

// Reason explains a dropped event
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMalformed      Reason = "malformed"
	ReasonUnknownAddress Reason = "unknown_address"
	ReasonUndecodable    Reason = "undecodable"
	ReasonDebounced      Reason = "debounced"
)

// Result describes the handling of one event
type Result struct {
	Action  Action
	Reason  Reason
	Bridge  string
	Address string // inbound address
	Target  string // outbound address, empty when dropped
	Raw     uint64 // decoded inbound value
	Value   int    // outbound payload
	Percent int    // percentage the conversion went through
}

// Sent reports whether the event produced an outbound write
func (r Result) Sent() bool {
	return r.Action == ActionSentPercent || r.Action == ActionSentStep
}

func dropped(reason Reason, address string) Result {
	return Result{Action: ActionDropped, Reason: reason, Address: address}
}
