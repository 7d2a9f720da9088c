package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type panickyNotifier struct{ NopNotifier }

func (panickyNotifier) SendConfirmation(context.Context, *Appointment) error {
	panic("template missing")
}

type blockingNotifier struct {
	NopNotifier
	done chan error
}

func (b blockingNotifier) SendUpdate(ctx context.Context, _ *Appointment) error {
	<-ctx.Done()
	b.done <- ctx.Err()
	return ctx.Err()
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher(panickyNotifier{}, time.Second, zerolog.Nop())
	d.Confirmation(context.Background(), &Appointment{})
	d.Wait()
}

func TestDispatcher_DetachesFromCallerAndTimesOut(t *testing.T) {
	n := blockingNotifier{done: make(chan error, 1)}
	d := NewDispatcher(n, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	d.Update(ctx, &Appointment{})
	cancel()
	d.Wait()

	if err := <-n.done; err != context.DeadlineExceeded {
		t.Errorf("expected the send to end on its own timeout, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("caller cancellation must not cut the send short")
	}
}

type capturingNotifier struct {
	NopNotifier
	got chan *Appointment
}

func (c capturingNotifier) SendCancellation(_ context.Context, a *Appointment) error {
	c.got <- a
	return nil
}

func TestDispatcher_SendsSnapshot(t *testing.T) {
	n := capturingNotifier{got: make(chan *Appointment, 1)}
	d := NewDispatcher(n, time.Second, zerolog.Nop())
	a := &Appointment{WasteTypes: []WasteType{WasteGeneral}}
	d.Cancellation(context.Background(), a)
	a.WasteTypes[0] = WasteGlass
	d.Wait()

	if sent := <-n.got; sent.WasteTypes[0] != WasteGeneral {
		t.Errorf("notifier saw a later mutation: %v", sent.WasteTypes)
	}
}
