package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jgoulah/watermeter/internal/metrics"
	"github.com/jgoulah/watermeter/internal/saur"
	"github.com/jgoulah/watermeter/pkg/models"
)

const (
	DefaultInterval     = 15 * time.Minute
	DefaultLookbackDays = 7
)

// State is the availability state of a device
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateAvailable
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAuthenticating:
		return "authenticating"
	case StateAvailable:
		return "available"
	case StateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Poller keeps one device's consumption reading fresh. It authenticates once,
// then refreshes on a fixed period, probing today and up to LookbackDays
// earlier days until the provider returns a reading.
type Poller struct {
	deviceID     string
	client       Fetcher
	store        Store
	sink         Sink
	recorder     Recorder
	marker       PublishedMarker
	translate    Translator
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	interval     time.Duration
	lookback     int
	capabilities []string

	// mu serializes everything that touches the client session
	mu        sync.Mutex
	sectionID string

	stateMu     sync.RWMutex
	state       State
	reason      string
	lastReading *models.Reading

	lifeMu   sync.Mutex
	torndown bool
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ Lifecycle = (*Poller)(nil)

// Option configures a Poller
type Option func(*Poller)

func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

func WithRecorder(r Recorder) Option {
	return func(p *Poller) {
		p.recorder = r
	}
}

// WithPublishedMarker flags recorded readings as published once every sink
// accepted them. Use it when the sink already includes the external publisher.
func WithPublishedMarker(m PublishedMarker) Option {
	return func(p *Poller) {
		p.marker = m
	}
}

// WithSectionID sets the stored subscription id used when no id is passed to
// Initialize.
func WithSectionID(id string) Option {
	return func(p *Poller) {
		p.sectionID = id
	}
}

func WithTranslator(t Translator) Option {
	return func(p *Poller) {
		p.translate = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithInterval sets the refresh period
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLookbackDays sets how many days before today are tried
func WithLookbackDays(n int) Option {
	return func(p *Poller) {
		if n >= 0 {
			p.lookback = n
		}
	}
}

// WithCapabilities restricts which capabilities receive the reading
func WithCapabilities(caps ...string) Option {
	return func(p *Poller) {
		p.capabilities = caps
	}
}

// New creates a poller for one device
func New(deviceID string, client Fetcher, store Store, sink Sink, opts ...Option) *Poller {
	p := &Poller{
		deviceID:     deviceID,
		client:       client,
		store:        store,
		sink:         sink,
		translate:    English,
		logger:       zap.NewNop(),
		now:          time.Now,
		interval:     DefaultInterval,
		lookback:     DefaultLookbackDays,
		capabilities: []string{CapabilityMeasureWater, CapabilityMeterWater},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("device_id", deviceID))
	return p
}

// State returns the current state and, when unavailable, its reason
func (p *Poller) State() (State, string) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state, p.reason
}

// LastReading returns the last published reading, or nil
func (p *Poller) LastReading() *models.Reading {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.lastReading == nil {
		return nil
	}
	r := *p.lastReading
	return &r
}

// Initialize authenticates, runs one refresh and schedules periodic refreshes.
// On authentication failure the device is marked unavailable and nothing is
// scheduled.
func (p *Poller) Initialize(ctx context.Context, creds models.Credentials, sectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sectionID != "" {
		p.sectionID = sectionID
	}
	p.setState(StateAuthenticating, "")

	if _, err := p.client.Authenticate(ctx, creds.Email, creds.Password); err != nil {
		p.metrics.Authentication(false)
		p.logger.Error("authentication failed", zap.Error(err))
		p.markUnavailable(ctx, ReasonAuthFailed)
		return
	}
	p.metrics.Authentication(true)

	if p.sectionID == "" {
		p.sectionID = p.client.SectionID()
	}
	p.markAvailable(ctx)

	p.refreshLocked(ctx)
	p.schedule()

	p.logger.Info("device initialized", zap.Duration("interval", p.interval))
}

// OnAdded is called once after pairing
func (p *Poller) OnAdded() {
	p.logger.Info("device added")
}

// OnRenamed is called when the user renames the device
func (p *Poller) OnRenamed(name string) {
	p.logger.Info("device renamed", zap.String("name", name))
}

// OnCredentialsChanged re-authenticates with new credentials. On success the
// credentials are persisted, a refresh runs and the device is marked available.
// On failure the device is marked unavailable and a user-facing error is returned.
func (p *Poller) OnCredentialsChanged(ctx context.Context, creds models.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(err error) error {
		p.logger.Error("re-authentication failed", zap.Error(err))
		p.markUnavailable(ctx, ReasonAuthFailed)
		return &CredentialsError{Message: p.translate(MsgAuthFailed), Err: err}
	}

	if _, err := p.client.Authenticate(ctx, creds.Email, creds.Password); err != nil {
		p.metrics.Authentication(false)
		return fail(err)
	}
	p.metrics.Authentication(true)

	if err := p.store.SaveCredentials(ctx, p.deviceID, creds); err != nil {
		return fail(fmt.Errorf("saving credentials: %w", err))
	}
	if p.sectionID == "" {
		p.sectionID = p.client.SectionID()
	}

	p.refreshLocked(ctx)
	p.markAvailable(ctx)
	return nil
}

// OnRemoved stops the periodic refresh
func (p *Poller) OnRemoved() {
	p.logger.Info("device removed")
	p.Teardown()
	p.metrics.Forget(p.deviceID)
}

// Refresh runs one refresh cycle, waiting for any session-mutating operation
// in progress.
func (p *Poller) Refresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshLocked(ctx)
}

// Teardown cancels the periodic refresh and waits for it to stop. It is safe
// to call more than once.
func (p *Poller) Teardown() {
	p.lifeMu.Lock()
	if p.torndown {
		p.lifeMu.Unlock()
		return
	}
	p.torndown = true
	cancel, done := p.cancel, p.done
	p.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Poller) schedule() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.torndown || p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs a scheduled refresh unless another operation holds the session
func (p *Poller) tick(ctx context.Context) {
	if !p.mu.TryLock() {
		p.metrics.Refresh(metrics.RefreshSkipped)
		p.logger.Debug("refresh skipped, previous operation still running")
		return
	}
	defer p.mu.Unlock()
	p.refreshLocked(ctx)
}

// refreshLocked publishes the most recent reading found. Failures are logged
// and never returned. Requires p.mu.
func (p *Poller) refreshLocked(ctx context.Context) {
	reading, err := p.findLatest(ctx, p.now())
	if err != nil {
		if saur.IsUnauthorized(err) {
			p.metrics.Refresh(metrics.RefreshUnauthorized)
			p.logger.Error("provider rejected token", zap.Error(err))
			p.markUnavailable(ctx, ReasonAuthFailed)
			return
		}
		p.metrics.Refresh(metrics.RefreshFailed)
		p.logger.Error("failed to update consumption", zap.Error(err))
		return
	}

	if reading == nil {
		p.metrics.Refresh(metrics.RefreshNoData)
		p.logger.Info("no consumption data available", zap.Int("days", p.lookback+1))
		return
	}

	if err := p.publish(ctx, *reading); err != nil {
		p.metrics.Refresh(metrics.RefreshFailed)
		p.logger.Error("failed to publish consumption", zap.Error(err))
		return
	}
	p.metrics.Refresh(metrics.RefreshPublished)
}

// findLatest tries today, yesterday, then each earlier day up to the lookback
// limit, stopping at the first day with data. It returns nil, nil when no day
// has data.
func (p *Poller) findLatest(ctx context.Context, now time.Time) (*models.Reading, error) {
	for _, date := range CandidateDates(now, p.lookback) {
		reading, err := p.client.FetchConsumption(ctx, p.sectionID, date)
		if err != nil {
			p.metrics.Probe(metrics.ProbeError)
			return nil, fmt.Errorf("fetching consumption for %s: %w", date.Format("2006-01-02"), err)
		}
		if reading == nil {
			p.metrics.Probe(metrics.ProbeAbsent)
			p.logger.Debug("no consumption for day", zap.String("date", date.Format("2006-01-02")))
			continue
		}
		p.metrics.Probe(metrics.ProbeFound)
		return reading, nil
	}
	return nil, nil
}

// CandidateDates returns now and the lookback days before it, nearest first
func CandidateDates(now time.Time, lookback int) []time.Time {
	dates := make([]time.Time, 0, lookback+1)
	for i := 0; i <= lookback; i++ {
		dates = append(dates, now.AddDate(0, 0, -i))
	}
	return dates
}

func (p *Poller) publish(ctx context.Context, reading models.Reading) error {
	value := math.Abs(reading.Value)
	reading.DeviceID = p.deviceID

	// Recorded first so a failing sink still leaves the reading for a later
	// publish run.
	if p.recorder != nil {
		if err := p.recorder.RecordReading(ctx, p.deviceID, reading); err != nil {
			p.logger.Warn("failed to record reading", zap.Error(err))
		}
	}

	// Periods go out before the values so sinks that attach them to a value
	// see the current cycle. Every write is attempted even if one fails.
	var errs []error
	if err := p.sink.SetSettings(ctx, p.deviceID, map[string]string{
		SettingLastPeriod:    reading.PeriodStart,
		SettingCurrentPeriod: reading.PeriodEnd,
	}); err != nil {
		errs = append(errs, fmt.Errorf("setting periods: %w", err))
	}
	for _, capability := range p.capabilities {
		if err := p.sink.SetCapabilityValue(ctx, p.deviceID, capability, value); err != nil {
			errs = append(errs, fmt.Errorf("setting %s: %w", capability, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if p.marker != nil {
		if err := p.marker.MarkPeriodPublished(ctx, p.deviceID, reading.PeriodStart); err != nil {
			p.logger.Warn("failed to mark reading published", zap.Error(err))
		}
	}

	p.stateMu.Lock()
	p.lastReading = &reading
	p.stateMu.Unlock()

	p.markAvailable(ctx)
	p.metrics.Reading(p.deviceID, value)
	p.logger.Info("consumption updated",
		zap.Float64("value_m3", value),
		zap.String("period_start", reading.PeriodStart),
		zap.String("period_end", reading.PeriodEnd),
	)
	return nil
}

func (p *Poller) setState(s State, reason string) {
	p.stateMu.Lock()
	p.state = s
	p.reason = reason
	p.stateMu.Unlock()
}

func (p *Poller) markAvailable(ctx context.Context) {
	p.setState(StateAvailable, "")
	p.metrics.Availability(p.deviceID, true)
	if err := p.sink.SetAvailable(ctx, p.deviceID); err != nil {
		p.logger.Warn("failed to mark device available", zap.Error(err))
	}
}

func (p *Poller) markUnavailable(ctx context.Context, reason string) {
	p.setState(StateUnavailable, reason)
	p.metrics.Availability(p.deviceID, false)
	if err := p.sink.SetUnavailable(ctx, p.deviceID, p.translate("device."+reason)); err != nil {
		p.logger.Warn("failed to mark device unavailable", zap.Error(err))
	}
}
