// Package reminder sends reminders for confirmed appointments that are
// about to happen. A sweep runs on a cron schedule; concurrent sweeps,
// from this process or another replica, are excluded by a lease.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/internal/platform/telemetry"
)

// SweepLockKey is the lease held for the duration of one sweep.
const SweepLockKey = "reminder-sweep"

type Store interface {
	DueForReminder(ctx context.Context, from, to time.Time) ([]*appointment.Appointment, error)
	MarkReminded(ctx context.Context, id uuid.UUID) (bool, error)
}

// DefaultHoursAhead replaces a negative Config.HoursAhead.
const DefaultHoursAhead = 24

type Config struct {
	// HoursAhead offsets the reminder window from now. Zero reminds for
	// pickups starting within the next hour.
	HoursAhead int
	// Schedule is a standard cron expression or descriptor such as "@every 15m".
	Schedule    string
	SendTimeout time.Duration
	Location    *time.Location
}

type Scheduler struct {
	store    Store
	notifier appointment.Notifier
	locker   lock.Locker
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
	cron     *cron.Cron
}

func NewScheduler(store Store, notifier appointment.Notifier, locker lock.Locker, clk clock.Clock, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.HoursAhead < 0 {
		cfg.HoursAhead = DefaultHoursAhead
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 15m"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notifier == nil {
		notifier = appointment.NopNotifier{}
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		locker:   locker,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reminder").Logger(),
	}
}

// DueForReminder returns confirmed, unreminded appointments scheduled in
// the hour that starts HoursAhead hours from now.
func (s *Scheduler) DueForReminder(ctx context.Context) ([]*appointment.Appointment, error) {
	from, to := appointment.ReminderWindow(s.clock.Now(), s.cfg.HoursAhead)
	return s.store.DueForReminder(ctx, from, to)
}

// MarkReminded sets reminder_sent; repeating it is harmless.
func (s *Scheduler) MarkReminded(ctx context.Context, id uuid.UUID) error {
	_, err := s.store.MarkReminded(ctx, id)
	return err
}

type SweepResult struct {
	// Skipped is set when another sweep held the lease.
	Skipped bool `json:"skipped"`
	Due     int  `json:"due"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
}

// Sweep sends one reminder per due appointment. Only successful sends are
// marked; a failed send is logged and left for a later sweep, which will
// pick it up again only while it is still inside the window.
func (s *Scheduler) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := telemetry.Start(ctx, "reminder", "Sweep")
	defer func() { telemetry.End(span, err) }()

	ran, err := s.locker.TryWithLock(ctx, SweepLockKey, func(ctx context.Context) error {
		due, err := s.DueForReminder(ctx)
		if err != nil {
			return fmt.Errorf("load due reminders: %w", err)
		}
		res.Due = len(due)
		for _, a := range due {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.send(ctx, a) {
				if err := s.MarkReminded(ctx, a.ID); err != nil {
					return fmt.Errorf("mark reminded %s: %w", a.ID, err)
				}
				res.Sent++
			} else {
				res.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !ran {
		s.logger.Debug().Msg("reminder sweep already running, skipped")
		return SweepResult{Skipped: true}, nil
	}
	s.logger.Info().Int("due", res.Due).Int("sent", res.Sent).Int("failed", res.Failed).Msg("reminder sweep finished")
	return res, nil
}

func (s *Scheduler) send(ctx context.Context, a *appointment.Appointment) (ok bool) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("appointment_id", a.ID.String()).Msg("reminder notifier panicked")
			ok = false
		}
	}()
	if err := s.notifier.SendReminder(ctx, a); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("reminder send failed")
		return false
	}
	return true
}

// Start registers the sweep on the configured schedule and runs it until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("reminder sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule reminder sweep %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info().Str("schedule", s.cfg.Schedule).Int("hours_ahead", s.cfg.HoursAhead).Msg("reminder scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
