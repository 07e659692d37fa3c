package poller

import (
	"context"
	"errors"
	"time"

	"github.com/jgoulah/watermeter/pkg/models"
)

// Capabilities the poller writes consumption values to
const (
	CapabilityMeasureWater = "measure_water"
	CapabilityMeterWater   = "meter_water"
)

// Setting keys for the period covered by the last reading
const (
	SettingLastPeriod    = "last_period"
	SettingCurrentPeriod = "current_period"
)

// ReasonAuthFailed is the unavailability reason when the provider rejected the
// device's credentials or token.
const ReasonAuthFailed = "auth_failed"

// Lifecycle is the set of hooks the host calls on a paired device
type Lifecycle interface {
	Initialize(ctx context.Context, creds models.Credentials, sectionID string)
	OnAdded()
	OnRenamed(name string)
	OnCredentialsChanged(ctx context.Context, creds models.Credentials) error
	OnRemoved()
}

// Fetcher is the provider API used by the poller
type Fetcher interface {
	Authenticate(ctx context.Context, email, password string) (models.Session, error)
	SectionID() string
	FetchConsumption(ctx context.Context, sectionID string, date time.Time) (*models.Reading, error)
}

// Store persists per-device credentials
type Store interface {
	SaveCredentials(ctx context.Context, deviceID string, creds models.Credentials) error
}

// Sink receives capability values, settings and availability for a device
type Sink interface {
	SetCapabilityValue(ctx context.Context, deviceID, capability string, value float64) error
	SetSettings(ctx context.Context, deviceID string, settings map[string]string) error
	SetAvailable(ctx context.Context, deviceID string) error
	SetUnavailable(ctx context.Context, deviceID, reason string) error
}

// Recorder keeps a history of fetched readings
type Recorder interface {
	RecordReading(ctx context.Context, deviceID string, reading models.Reading) error
}

// PublishedMarker flags a recorded reading as delivered
type PublishedMarker interface {
	MarkPeriodPublished(ctx context.Context, deviceID, periodStart string) error
}

// MultiSink fans every call out to all sinks and joins their errors
type MultiSink []Sink

func (m MultiSink) SetCapabilityValue(ctx context.Context, deviceID, capability string, value float64) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SetCapabilityValue(ctx, deviceID, capability, value))
	}
	return errors.Join(errs...)
}

func (m MultiSink) SetSettings(ctx context.Context, deviceID string, settings map[string]string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SetSettings(ctx, deviceID, settings))
	}
	return errors.Join(errs...)
}

func (m MultiSink) SetAvailable(ctx context.Context, deviceID string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SetAvailable(ctx, deviceID))
	}
	return errors.Join(errs...)
}

func (m MultiSink) SetUnavailable(ctx context.Context, deviceID, reason string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.SetUnavailable(ctx, deviceID, reason))
	}
	return errors.Join(errs...)
}

// CredentialsError is returned to the user when new credentials are rejected
type CredentialsError struct {
	Message string
	Err     error
}

func (e *CredentialsError) Error() string {
	return e.Message
}

func (e *CredentialsError) Unwrap() error {
	return e.Err
}
