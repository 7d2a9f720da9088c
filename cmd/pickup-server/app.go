package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/config"
	"github.com/citywaste/pickup/internal/domain/appointment"
	"github.com/citywaste/pickup/internal/domain/availability"
	"github.com/citywaste/pickup/internal/domain/booking"
	"github.com/citywaste/pickup/internal/domain/reminder"
	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/domain/zone"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/internal/platform/db"
	"github.com/citywaste/pickup/internal/platform/lock"
	"github.com/citywaste/pickup/internal/platform/middleware"
	"github.com/citywaste/pickup/internal/platform/notification"
	"github.com/citywaste/pickup/internal/store/memory"
)

// stores bundles the persistence backends selected by STORE.
type stores struct {
	pool         *pgxpool.Pool
	zones        zone.Repository
	templates    slottemplate.Repository
	appointments appointment.Repository
	locker       lock.Locker
}

func postgresStores(pool *pgxpool.Pool, lockTimeout time.Duration) *stores {
	return &stores{
		pool:         pool,
		zones:        zone.NewRepoPG(pool),
		templates:    slottemplate.NewRepoPG(pool),
		appointments: appointment.NewRepoPG(pool),
		locker:       db.NewPGLocker(pool, lockTimeout),
	}
}

func memoryStores() *stores {
	return &stores{
		zones:        memory.NewZones(),
		templates:    memory.NewTemplates(),
		appointments: memory.NewAppointments(),
		locker:       lock.NewMemory(),
	}
}

// app is the assembled service: domain services plus the echo server.
type app struct {
	echo       *echo.Echo
	templates  *slottemplate.Service
	importer   *slottemplate.Importer
	reminders  *reminder.Scheduler
	dispatcher *appointment.Dispatcher
	notifier   *notification.TemplateNotifier
}

func newApp(cfg *config.Config, st *stores, clk clock.Clock, logger zerolog.Logger) *app {
	loc := cfg.Location()

	notifier := notification.NewTemplateNotifier(notification.NewLogSender(logger), nil)
	dispatcher := appointment.NewDispatcher(notifier, cfg.NotifyTimeout, logger)

	templateSvc := slottemplate.NewService(st.templates, st.zones, st.locker, logger)
	engine := availability.NewEngine(st.templates, st.appointments, clk, availability.Config{
		MinLeadTime: cfg.MinLeadTime,
		ScanDays:    cfg.NextSlotScanDays,
		Location:    loc,
	})
	manager := appointment.NewManager(st.appointments, engine, st.locker, dispatcher, clk, loc, logger)
	coordinator := booking.NewCoordinator(st.zones, engine, st.appointments, st.locker, dispatcher, clk, booking.Config{
		MinLeadTime:          cfg.MinLeadTime,
		MaxActivePerResident: cfg.MaxActivePerResident,
		Location:             loc,
	}, logger)
	scheduler := reminder.NewScheduler(st.appointments, notifier, st.locker, clk, reminder.Config{
		HoursAhead:  cfg.ReminderHoursAhead,
		Schedule:    cfg.ReminderSchedule,
		SendTimeout: cfg.NotifyTimeout,
		Location:    loc,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader, auth.ActorIDHeader, auth.ActorRoleHeader},
		ExposeHeaders: []string{"Link", "Location", middleware.RequestIDHeader},
	}))

	e.GET("/health", db.HealthHandler(st.pool))

	apiV1 := e.Group("/api/v1", auth.Middleware())
	zone.NewHandler(st.zones).RegisterRoutes(apiV1)
	slottemplate.NewHandler(templateSvc).RegisterRoutes(apiV1)
	availability.NewHandler(engine, cfg.AvailabilityHorizonDays).RegisterRoutes(apiV1)
	booking.NewHandler(coordinator).RegisterRoutes(apiV1)
	appointment.NewHandler(manager, clk).RegisterRoutes(apiV1)
	notification.NewHandler(notifier).RegisterRoutes(apiV1)

	return &app{
		echo:       e,
		templates:  templateSvc,
		importer:   slottemplate.NewImporter(st.zones, templateSvc, loc, logger),
		reminders:  scheduler,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

// seed applies a template document, used to populate the in-memory store.
func (a *app) seed(ctx context.Context, doc *slottemplate.Document, from time.Time, years int) (*slottemplate.ImportResult, error) {
	return a.importer.Import(ctx, doc, civil.DateOf(from), years)
}
