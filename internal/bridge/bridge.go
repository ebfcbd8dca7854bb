// Package bridge holds the configured step/percent address pairs, the
// registry resolving an address to its pair, and the anti-echo guard.
package bridge

import (
	"sync"
	"time"
)

// Direction identifies which address a bridge last wrote to
type Direction string

const (
	DirectionStep    Direction = "step"
	DirectionPercent Direction = "percent"
)

// Bridge is one managed step/percent address pair.
// Only the two send timestamps change after construction.
type Bridge struct {
	Name           string
	StepAddress    string
	PercentAddress string
	MaxStep        int

	mu              sync.Mutex
	lastSentStep    time.Time
	lastSentPercent time.Time
}

// New creates a bridge with both send timestamps at the zero time
func New(name, stepAddress, percentAddress string, maxStep int) *Bridge {
	return &Bridge{
		Name:           name,
		StepAddress:    stepAddress,
		PercentAddress: percentAddress,
		MaxStep:        maxStep,
	}
}

// Owns reports whether address is one of the bridge's two addresses
func (b *Bridge) Owns(address string) bool {
	return address == b.StepAddress || address == b.PercentAddress
}

// LastSent returns the time of the last outbound write in the given direction
func (b *Bridge) LastSent(d Direction) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSentLocked(d)
}

func (b *Bridge) lastSentLocked(d Direction) time.Time {
	if d == DirectionStep {
		return b.lastSentStep
	}
	return b.lastSentPercent
}

// recordLocked stores a send time, never moving the timestamp backwards
func (b *Bridge) recordLocked(d Direction, at time.Time) {
	switch d {
	case DirectionStep:
		if at.After(b.lastSentStep) {
			b.lastSentStep = at
		}
	case DirectionPercent:
		if at.After(b.lastSentPercent) {
			b.lastSentPercent = at
		}
	}
}

// Status is a point-in-time view of a bridge for status reporting
type Status struct {
	Name            string    `json:"name"`
	StepAddress     string    `json:"step_address"`
	PercentAddress  string    `json:"percent_address"`
	MaxStep         int       `json:"max_step"`
	LastSentStep    time.Time `json:"last_sent_step"`
	LastSentPercent time.Time `json:"last_sent_percent"`
}

// Status returns a snapshot of the bridge
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:            b.Name,
		StepAddress:     b.StepAddress,
		PercentAddress:  b.PercentAddress,
		MaxStep:         b.MaxStep,
		LastSentStep:    b.lastSentStep,
		LastSentPercent: b.lastSentPercent,
	}
}
