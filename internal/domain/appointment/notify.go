package appointment

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers appointment messages to residents. Implementations may
// fail; callers treat every send as best-effort.
type Notifier interface {
	SendConfirmation(ctx context.Context, a *Appointment) error
	SendUpdate(ctx context.Context, a *Appointment) error
	SendCancellation(ctx context.Context, a *Appointment) error
	SendReminder(ctx context.Context, a *Appointment) error
}

// NopNotifier discards every message.
type NopNotifier struct{}

func (NopNotifier) SendConfirmation(context.Context, *Appointment) error { return nil }
func (NopNotifier) SendUpdate(context.Context, *Appointment) error       { return nil }
func (NopNotifier) SendCancellation(context.Context, *Appointment) error { return nil }
func (NopNotifier) SendReminder(context.Context, *Appointment) error     { return nil }

// Dispatcher fires notifications in the background so a slow or failing
// Notifier never delays or fails the operation that triggered it. Failures
// are logged.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(n Notifier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{notifier: n, timeout: timeout, logger: logger.With().Str("component", "notify").Logger()}
}

type sendFunc func(Notifier, context.Context, *Appointment) error

func (d *Dispatcher) dispatch(ctx context.Context, kind string, send sendFunc, a *Appointment) {
	snapshot := a.Clone()
	// Detach from the request so its cancellation does not abort the send.
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().Interface("panic", r).Str("kind", kind).Str("appointment_id", snapshot.ID.String()).Msg("notifier panicked")
			}
		}()
		if err := send(d.notifier, ctx, snapshot); err != nil {
			d.logger.Warn().Err(err).Str("kind", kind).Str("appointment_id", snapshot.ID.String()).Msg("notification failed")
		}
	}()
}

func (d *Dispatcher) Confirmation(ctx context.Context, a *Appointment) {
	d.dispatch(ctx, "confirmation", Notifier.SendConfirmation, a)
}

func (d *Dispatcher) Update(ctx context.Context, a *Appointment) {
	d.dispatch(ctx, "update", Notifier.SendUpdate, a)
}

func (d *Dispatcher) Cancellation(ctx context.Context, a *Appointment) {
	d.dispatch(ctx, "cancellation", Notifier.SendCancellation, a)
}

// Wait blocks until every dispatched notification has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
