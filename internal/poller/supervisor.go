package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/watermeter/pkg/models"
)

// DefaultSyncInterval is how often the supervisor re-reads the device list
const DefaultSyncInterval = time.Minute

// DeviceLister lists paired devices
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// Factory builds the poller for a device
type Factory func(d models.Device) *Poller

type supervised struct {
	poller    *Poller
	name      string
	creds     models.Credentials
	sectionID string
}

// Supervisor keeps one poller per paired device. Each sync starts pollers
// for new devices, removes pollers of deleted ones and forwards renames and
// credential changes made by other processes.
type Supervisor struct {
	devices DeviceLister
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	pollers map[string]*supervised
	synced  bool
}

// NewSupervisor creates a supervisor
func NewSupervisor(devices DeviceLister, factory Factory, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		devices: devices,
		factory: factory,
		logger:  logger,
		pollers: make(map[string]*supervised),
	}
}

// Len returns the number of running pollers
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// Sync reconciles running pollers with the stored device list
func (s *Supervisor) Sync(ctx context.Context) error {
	devices, err := s.devices.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true

		entry, ok := s.pollers[d.ID]
		if !ok {
			p := s.factory(d)
			s.pollers[d.ID] = &supervised{poller: p, name: d.Name, creds: d.Credentials(), sectionID: d.SectionID}
			if s.synced {
				p.OnAdded()
			}
			p.Initialize(ctx, d.Credentials(), d.SectionID)
			continue
		}

		if entry.name != d.Name {
			entry.name = d.Name
			entry.poller.OnRenamed(d.Name)
		}
		if entry.sectionID != d.SectionID {
			// a different subscription starts over with a fresh poller
			entry.poller.Teardown()
			p := s.factory(d)
			s.pollers[d.ID] = &supervised{poller: p, name: d.Name, creds: d.Credentials(), sectionID: d.SectionID}
			p.Initialize(ctx, d.Credentials(), d.SectionID)
			continue
		}
		if entry.creds != d.Credentials() {
			entry.creds = d.Credentials()
			if err := entry.poller.OnCredentialsChanged(ctx, d.Credentials()); err != nil {
				s.logger.Warn("re-authentication with changed credentials failed",
					zap.String("device_id", d.ID), zap.Error(err))
			}
		}
	}

	for id, entry := range s.pollers {
		if !seen[id] {
			entry.poller.OnRemoved()
			delete(s.pollers, id)
		}
	}

	s.synced = true
	return nil
}

// Run syncs immediately, then every interval until ctx is done. All pollers
// are torn down before it returns. Only the first sync error is returned;
// later ones are logged.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	defer s.Stop()

	if err := s.Sync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("device sync failed", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop tears down every running poller
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.pollers {
		entry.poller.Teardown()
		delete(s.pollers, id)
	}
}
