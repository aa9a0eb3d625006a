// Package notify delivers user, operator and payout-channel messages. Delivery
// is fire-and-forget: callers use BestEffort and never let a failed message
// change ledger state.
package notify

import (
	"context"
	"errors"
	"time"
)

// Recipient is a chat address: a numeric user or operator id, or an @channel.
type Recipient string

type Sink interface {
	Notify(ctx context.Context, to Recipient, text string) error
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Recipient, string) error { return nil }

// Fanout sends to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, to Recipient, text string) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, to, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Result is the outcome of one best-effort delivery.
type Result struct {
	Recipient Recipient
	Skipped   bool
	Err       error
}

func (r Result) Delivered() bool {
	return !r.Skipped && r.Err == nil
}

// DeliveryTimeout bounds a single BestEffort delivery.
const DeliveryTimeout = 10 * time.Second

// BestEffort sends text to to and reports what happened instead of failing.
// An empty recipient is skipped.
func BestEffort(ctx context.Context, sink Sink, to Recipient, text string) (res Result) {
	res.Recipient = to
	if sink == nil || to == "" {
		res.Skipped = true
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.New("notification sink panicked")
		}
	}()
	res.Err = sink.Notify(ctx, to, text)
	return res
}
