package services

import (
	"context"
	"time"

	"github.com/mescon/Pollarr/internal/clock"
	"github.com/mescon/Pollarr/internal/logger"
)

// MaintenanceStore is the part of *db.Repository maintenance needs.
type MaintenanceStore interface {
	RunMaintenance(retentionDays int, now time.Time) error
}

// MaintenanceService is a built-in pollable service that prunes old events
// and checkpoints the database. It runs inside the reactor like any probe.
type MaintenanceService struct {
	store         MaintenanceStore
	interval      time.Duration
	retentionDays int
	clock         clock.Clock
}

var _ Target = (*MaintenanceService)(nil)

func NewMaintenanceService(store MaintenanceStore, interval time.Duration, retentionDays int, clk clock.Clock) *MaintenanceService {
	return &MaintenanceService{
		store:         store,
		interval:      interval,
		retentionDays: retentionDays,
		clock:         clock.Or(clk),
	}
}

func (s *MaintenanceService) Name() string                { return "maintenance" }
func (s *MaintenanceService) PollInterval() time.Duration { return s.interval }

func (s *MaintenanceService) Start() error {
	logger.Infof("Maintenance: every %s, retention %d days", s.interval, s.retentionDays)
	return nil
}

func (s *MaintenanceService) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.store.RunMaintenance(s.retentionDays, s.clock.Now())
}
