// Package booking creates appointments. The check-then-write sequence
// (lead time, slot availability, resident quota, insert) runs while holding
// the resident and slot locks, so two requests racing for the last seat
// cannot both succeed.
package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/domain/availability"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/internal/platform/telemetry"
)

// ZoneDirectory answers whether a zone exists.
type ZoneDirectory interface {
	Exists(ctx context.Context, zoneID string) (bool, error)
}

// Store is the slice of the appointment repository booking needs.
type Store interface {
	Create(ctx context.Context, a *appointment.Appointment) error
	CountActiveByResident(ctx context.Context, residentID string) (int, error)
}

type Config struct {
	MinLeadTime          time.Duration
	MaxActivePerResident int
	Location             *time.Location
}

type Request struct {
	ZoneID              string                  `json:"zone_id"`
	Date                civil.Date              `json:"date"`
	Slot                slottemplate.TimeSlot   `json:"slot"`
	WasteTypes          []appointment.WasteType `json:"waste_types"`
	EstimatedAmount     float64                 `json:"estimated_amount"`
	SpecialInstructions string                  `json:"special_instructions"`
}

const maxInstructionsLen = 500

func (r *Request) validate() error {
	if strings.TrimSpace(r.ZoneID) == "" {
		return apperr.Validation("zone_id is required")
	}
	if r.Date.IsZero() {
		return apperr.Validation("date is required")
	}
	if err := r.Slot.Validate(); err != nil {
		return err
	}
	if err := appointment.ValidateWasteTypes(r.WasteTypes); err != nil {
		return err
	}
	if err := appointment.ValidateEstimatedAmount(r.EstimatedAmount); err != nil {
		return err
	}
	if len(r.SpecialInstructions) > maxInstructionsLen {
		return apperr.Validation("special_instructions must be at most %d characters", maxInstructionsLen)
	}
	return nil
}

type Coordinator struct {
	zones   ZoneDirectory
	checker appointment.SlotChecker
	store   Store
	locker  lock.Locker
	notify  *appointment.Dispatcher
	clock   clock.Clock
	cfg     Config
	logger  zerolog.Logger
}

func NewCoordinator(zones ZoneDirectory, checker appointment.SlotChecker, store Store, locker lock.Locker,
	notify *appointment.Dispatcher, clk clock.Clock, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.MaxActivePerResident <= 0 {
		cfg.MaxActivePerResident = 3
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if notify == nil {
		notify = appointment.NewDispatcher(nil, 0, logger)
	}
	return &Coordinator{
		zones:   zones,
		checker: checker,
		store:   store,
		locker:  locker,
		notify:  notify,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.With().Str("component", "booking").Logger(),
	}
}

// Book creates a pending appointment for actor. Residents book for
// themselves; the operator role books on behalf of the resident named in
// residentID.
func (c *Coordinator) Book(ctx context.Context, actor auth.Actor, residentID string, req Request) (_ *appointment.Appointment, err error) {
	ctx, span := telemetry.Start(ctx, "booking", "Book",
		attribute.String("zone", req.ZoneID), attribute.String("date", req.Date.String()), attribute.String("slot", req.Slot.String()))
	defer func() { telemetry.End(span, err) }()

	if residentID == "" {
		residentID = actor.ID
	}
	if residentID == "" {
		return nil, apperr.Validation("resident is required")
	}
	if !actor.CanAccess(residentID) {
		return nil, apperr.Forbidden()
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	ok, err := c.zones.Exists(ctx, req.ZoneID)
	if err != nil {
		return nil, fmt.Errorf("check zone: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("zone")
	}

	scheduledAt := req.Slot.StartsAt(req.Date, c.cfg.Location)
	keys := []string{
		appointment.ResidentKey(residentID),
		appointment.SlotKey(req.ZoneID, req.Date, req.Slot),
	}

	var created *appointment.Appointment
	err = c.locker.WithLocks(ctx, keys, func(ctx context.Context) error {
		now := c.clock.Now()
		if scheduledAt.Before(now.Add(c.cfg.MinLeadTime)) {
			return apperr.Unavailable(apperr.ReasonTooSoon, availability.TooSoonMessage(c.cfg.MinLeadTime))
		}

		res, err := c.checker.CheckSlotAvailability(ctx, req.ZoneID, req.Date, req.Slot)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return err
		}

		active, err := c.store.CountActiveByResident(ctx, residentID)
		if err != nil {
			return fmt.Errorf("count resident appointments: %w", err)
		}
		if active >= c.cfg.MaxActivePerResident {
			return apperr.Unavailable(apperr.ReasonQuotaExceeded,
				fmt.Sprintf("you already have %d active appointments, the maximum is %d", active, c.cfg.MaxActivePerResident))
		}

		a := &appointment.Appointment{
			ResidentID:          residentID,
			ZoneID:              req.ZoneID,
			WasteTypes:          append([]appointment.WasteType(nil), req.WasteTypes...),
			EstimatedAmount:     req.EstimatedAmount,
			SpecialInstructions: strings.TrimSpace(req.SpecialInstructions),
			Status:              appointment.StatusPending,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		a.SetSlot(req.Date, req.Slot, c.cfg.Location)
		if err := c.store.Create(ctx, a); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAvailability {
			c.logger.Info().Str("zone", req.ZoneID).Str("date", req.Date.String()).Str("slot", req.Slot.String()).
				Str("resident", residentID).Str("reason", apperr.ReasonOf(err)).Msg("booking rejected")
		}
		return nil, err
	}

	c.logger.Info().Str("appointment_id", created.ID.String()).Str("zone", req.ZoneID).
		Str("date", req.Date.String()).Str("slot", req.Slot.String()).Str("resident", residentID).Msg("appointment booked")
	c.notify.Confirmation(ctx, created)
	return created, nil
}
