package services

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/eventbus"
	"github.com/mescon/Pollarr/internal/logger"
)

// Backuper is the part of *db.Repository backups need.
type Backuper interface {
	Backup(backupDir string, keep int) (string, error)
}

// SchedulerService runs database backups on a cron schedule.
type SchedulerService struct {
	repo     Backuper
	eventBus eventbus.Publisher
	cron     *cron.Cron
	schedule string
	dir      string
	keep     int

	mu      sync.Mutex
	entryID cron.EntryID
	running bool
}

func NewSchedulerService(repo Backuper, eb eventbus.Publisher, schedule, dir string, keep int) *SchedulerService {
	return &SchedulerService{
		repo:     repo,
		eventBus: eb,
		cron:     cron.New(),
		schedule: schedule,
		dir:      dir,
		keep:     keep,
	}
}

// ValidateSchedule checks a standard five-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %v", err)
	}
	return nil
}

// Start schedules the backup job. An empty schedule disables backups.
func (s *SchedulerService) Start() error {
	if s.schedule == "" {
		logger.Infof("Scheduled backups disabled")
		return nil
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, err := s.cron.AddFunc(s.schedule, func() {
		logger.Infof("Executing scheduled database backup")
		_, _ = s.RunBackup()
	})
	if err != nil {
		return err
	}
	s.entryID = entryID
	s.running = true
	s.cron.Start()
	logger.Infof("Scheduled backups: %q, keeping %d", s.schedule, s.keep)
	return nil
}

// Stop waits for a running backup to finish.
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()
	if running {
		<-s.cron.Stop().Done()
	}
}

// NextRun returns when the next backup is due, or the zero time when
// backups are disabled.
func (s *SchedulerService) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// RunBackup writes one backup now and publishes the outcome.
func (s *SchedulerService) RunBackup() (string, error) {
	path, err := s.repo.Backup(s.dir, s.keep)
	if err != nil {
		logger.Errorf("Scheduled backup failed: %v", err)
		s.publish(domain.BackupFailed, map[string]interface{}{"error": err.Error()})
		return "", err
	}
	s.publish(domain.BackupCompleted, map[string]interface{}{"file": filepath.Base(path)})
	return path, nil
}

func (s *SchedulerService) publish(eventType domain.EventType, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := domain.Event{
		AggregateType: domain.AggregateSystem,
		AggregateID:   "backup",
		EventType:     eventType,
		EventData:     data,
	}
	if err := s.eventBus.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s: %v", eventType, err)
	}
}
