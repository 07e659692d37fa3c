package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jgoulah/watermeter/internal/metrics"
	"github.com/jgoulah/watermeter/internal/saur"
	"github.com/jgoulah/watermeter/pkg/models"
)

var testNow = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

func day(offset int) string {
	return testNow.AddDate(0, 0, -offset).Format("2006-01-02")
}

type fakeFetcher struct {
	mu        sync.Mutex
	authErr   error
	authCalls int
	section   string
	readings  map[string]*models.Reading
	errs      map[string]error
	lookups   []string
	sections  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		section:  "S-1",
		readings: make(map[string]*models.Reading),
		errs:     make(map[string]error),
	}
}

func (f *fakeFetcher) Authenticate(ctx context.Context, email, password string) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return models.Session{}, f.authErr
	}
	return models.Session{AccessToken: "tok", SectionID: f.section, ExpiresAt: testNow.Add(time.Hour)}, nil
}

func (f *fakeFetcher) SectionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.section
}

func (f *fakeFetcher) FetchConsumption(ctx context.Context, sectionID string, date time.Time) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := date.Format("2006-01-02")
	f.lookups = append(f.lookups, key)
	f.sections = append(f.sections, sectionID)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if r := f.readings[key]; r != nil {
		copied := *r
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeFetcher) Lookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lookups...)
}

type fakeSink struct {
	mu           sync.Mutex
	capabilities map[string]float64
	settings     map[string]string
	writes       int
	available    int
	unavailable  []string
	err          error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		capabilities: make(map[string]float64),
		settings:     make(map[string]string),
	}
}

func (s *fakeSink) SetCapabilityValue(ctx context.Context, deviceID, capability string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.capabilities[capability] = value
	s.writes++
	return nil
}

func (s *fakeSink) SetSettings(ctx context.Context, deviceID string, settings map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range settings {
		s.settings[k] = v
	}
	return nil
}

func (s *fakeSink) SetAvailable(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available++
	return nil
}

func (s *fakeSink) SetUnavailable(ctx context.Context, deviceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = append(s.unavailable, reason)
	return nil
}

func (s *fakeSink) Capability(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities[name]
}

type fakeStore struct {
	mu    sync.Mutex
	saved []models.Credentials
	err   error
}

func (s *fakeStore) SaveCredentials(ctx context.Context, deviceID string, creds models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, creds)
	return nil
}

type fakeRecorder struct {
	readings []models.Reading
}

func (r *fakeRecorder) RecordReading(ctx context.Context, deviceID string, reading models.Reading) error {
	r.readings = append(r.readings, reading)
	return nil
}

func newTestPoller(f *fakeFetcher, sink *fakeSink, opts ...Option) *Poller {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New("dev-1", f, &fakeStore{}, sink, opts...)
}

var testCreds = models.Credentials{Email: "me@example.com", Password: "secret"}

func TestRefreshProbesFullWindowInOrder(t *testing.T) {
	f := newFakeFetcher()
	sink := newFakeSink()
	p := newTestPoller(f, sink)
	p.sectionID = "S-1"
	p.setState(StateAvailable, "")

	p.Refresh(context.Background())

	expected := []string{day(0), day(1), day(2), day(3), day(4), day(5), day(6), day(7)}
	lookups := f.Lookups()
	if len(lookups) != len(expected) {
		t.Fatalf("Expected %d lookups, got %d: %v", len(expected), len(lookups), lookups)
	}
	for i := range expected {
		if lookups[i] != expected[i] {
			t.Errorf("Lookup %d: expected %s, got %s", i, expected[i], lookups[i])
		}
	}

	if sink.writes != 0 {
		t.Errorf("Expected no capability writes, got %d", sink.writes)
	}
	if state, _ := p.State(); state != StateAvailable {
		t.Errorf("Expected state unchanged (available), got %s", state)
	}
	if len(sink.unavailable) != 0 {
		t.Errorf("Expected no unavailability, got %v", sink.unavailable)
	}
}

func TestRefreshStopsAtFirstReading(t *testing.T) {
	f := newFakeFetcher()
	f.readings[day(5)] = &models.Reading{Value: 1.75, PeriodStart: "2026-03-05T00:00:00", PeriodEnd: "2026-03-06T00:00:00"}
	f.readings[day(6)] = &models.Reading{Value: 99}
	sink := newFakeSink()
	p := newTestPoller(f, sink)

	p.Refresh(context.Background())

	lookups := f.Lookups()
	if len(lookups) != 6 {
		t.Fatalf("Expected 6 lookups, got %d: %v", len(lookups), lookups)
	}
	if lookups[5] != day(5) {
		t.Errorf("Expected last probe %s, got %s", day(5), lookups[5])
	}
	if got := sink.capabilities[CapabilityMeasureWater]; got != 1.75 {
		t.Errorf("Expected measure_water 1.75, got %v", got)
	}
	if got := sink.settings[SettingLastPeriod]; got != "2026-03-05T00:00:00" {
		t.Errorf("Expected last_period from startDate, got %q", got)
	}
	if got := sink.settings[SettingCurrentPeriod]; got != "2026-03-06T00:00:00" {
		t.Errorf("Expected current_period from endDate, got %q", got)
	}
}

func TestRefreshPublishesAbsoluteValue(t *testing.T) {
	f := newFakeFetcher()
	f.readings[day(0)] = &models.Reading{Value: -3.2, PeriodStart: "a", PeriodEnd: "b"}
	sink := newFakeSink()
	rec := &fakeRecorder{}
	p := newTestPoller(f, sink, WithRecorder(rec))
	p.setState(StateUnavailable, ReasonAuthFailed)

	p.Refresh(context.Background())

	for _, capability := range []string{CapabilityMeasureWater, CapabilityMeterWater} {
		if got := sink.capabilities[capability]; got != 3.2 {
			t.Errorf("Expected %s 3.2, got %v", capability, got)
		}
	}
	if state, reason := p.State(); state != StateAvailable || reason != "" {
		t.Errorf("Expected available after successful refresh, got %s (%s)", state, reason)
	}
	if sink.available != 1 {
		t.Errorf("Expected one SetAvailable call, got %d", sink.available)
	}
	last := p.LastReading()
	if last == nil || last.Value != -3.2 || last.DeviceID != "dev-1" {
		t.Errorf("Unexpected last reading %+v", last)
	}
	if len(rec.readings) != 1 {
		t.Errorf("Expected reading to be recorded, got %d", len(rec.readings))
	}
	if len(f.Lookups()) != 1 {
		t.Errorf("Expected a single probe, got %v", f.Lookups())
	}
}

func TestRefreshUnauthorizedAbortsSearch(t *testing.T) {
	f := newFakeFetcher()
	f.errs[day(1)] = &saur.UnauthorizedError{}
	f.readings[day(2)] = &models.Reading{Value: 5}
	sink := newFakeSink()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newTestPoller(f, sink, WithMetrics(m))
	p.setState(StateAvailable, "")

	p.Refresh(context.Background())

	if lookups := f.Lookups(); len(lookups) != 2 {
		t.Fatalf("Expected search to stop after 2 lookups, got %v", lookups)
	}
	state, reason := p.State()
	if state != StateUnavailable || reason != ReasonAuthFailed {
		t.Errorf("Expected unavailable(auth_failed), got %s(%s)", state, reason)
	}
	if len(sink.unavailable) != 1 || sink.unavailable[0] != English(MsgAuthFailed) {
		t.Errorf("Expected localized unavailability reason, got %v", sink.unavailable)
	}
	if sink.writes != 0 {
		t.Errorf("Expected no capability writes, got %d", sink.writes)
	}
	if got := testutil.ToFloat64(m.RefreshTotal.WithLabelValues(metrics.RefreshUnauthorized)); got != 1 {
		t.Errorf("Expected unauthorized refresh counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProbesTotal.WithLabelValues(metrics.ProbeAbsent)); got != 1 {
		t.Errorf("Expected 1 absent probe, got %v", got)
	}
}

func TestRefreshTransientErrorKeepsState(t *testing.T) {
	testCases := []struct {
		name string
		err  error
	}{
		{name: "server error", err: &saur.RequestError{StatusCode: 503, Status: "Service Unavailable"}},
		{name: "network error", err: &saur.RequestError{Err: errors.New("connection reset")}},
		{name: "expired session", err: saur.ErrSessionExpired},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeFetcher()
			f.errs[day(0)] = tc.err
			f.readings[day(1)] = &models.Reading{Value: 5}
			sink := newFakeSink()
			p := newTestPoller(f, sink)
			p.setState(StateAvailable, "")

			p.Refresh(context.Background())

			if lookups := f.Lookups(); len(lookups) != 1 {
				t.Errorf("Expected cycle to abort after 1 probe, got %v", lookups)
			}
			if state, _ := p.State(); state != StateAvailable {
				t.Errorf("Expected state unchanged, got %s", state)
			}
			if len(sink.unavailable) != 0 {
				t.Errorf("Expected no unavailability, got %v", sink.unavailable)
			}
		})
	}
}

func TestNoDataKeepsPreviousValue(t *testing.T) {
	f := newFakeFetcher()
	f.readings[day(0)] = &models.Reading{Value: 2.5}
	sink := newFakeSink()
	core, logs := observer.New(zapcore.InfoLevel)
	p := newTestPoller(f, sink, WithLogger(zap.New(core)))

	p.Refresh(context.Background())
	if got := sink.capabilities[CapabilityMeterWater]; got != 2.5 {
		t.Fatalf("Expected first refresh to publish 2.5, got %v", got)
	}
	writes := sink.writes

	delete(f.readings, day(0))
	p.Refresh(context.Background())

	if sink.writes != writes {
		t.Errorf("Expected no new writes, got %d", sink.writes-writes)
	}
	if got := sink.capabilities[CapabilityMeterWater]; got != 2.5 {
		t.Errorf("Expected value unchanged at 2.5, got %v", got)
	}
	if last := p.LastReading(); last == nil || last.Value != 2.5 {
		t.Errorf("Expected last reading kept, got %+v", last)
	}
	if n := logs.FilterMessage("no consumption data available").Len(); n != 1 {
		t.Errorf("Expected one no-data log entry, got %d", n)
	}
}

func TestRefreshSinkFailureKeepsState(t *testing.T) {
	f := newFakeFetcher()
	f.readings[day(0)] = &models.Reading{Value: 2.5}
	sink := newFakeSink()
	sink.err = errors.New("broker down")
	p := newTestPoller(f, sink)
	p.setState(StateUnavailable, ReasonAuthFailed)

	p.Refresh(context.Background())

	if state, _ := p.State(); state != StateUnavailable {
		t.Errorf("Expected state unchanged, got %s", state)
	}
	if p.LastReading() != nil {
		t.Error("Expected no last reading after failed publish")
	}
}

func TestInitializeAuthFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeFetcher()
	f.authErr = &saur.AuthenticationError{StatusCode: 400, Status: "Bad Request"}
	sink := newFakeSink()
	p := newTestPoller(f, sink, WithInterval(5*time.Millisecond))

	p.Initialize(context.Background(), testCreds, "S-1")

	state, reason := p.State()
	if state != StateUnavailable || reason != ReasonAuthFailed {
		t.Errorf("Expected unavailable(auth_failed), got %s(%s)", state, reason)
	}
	time.Sleep(20 * time.Millisecond)
	if lookups := f.Lookups(); len(lookups) != 0 {
		t.Errorf("Expected no refresh after failed authentication, got %v", lookups)
	}
	p.lifeMu.Lock()
	scheduled := p.done != nil
	p.lifeMu.Unlock()
	if scheduled {
		t.Error("Expected no periodic refresh to be scheduled")
	}
	p.Teardown()
}

func TestInitializeRefreshesAndSchedules(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeFetcher()
	f.readings[day(0)] = &models.Reading{Value: 4}
	sink := newFakeSink()
	p := newTestPoller(f, sink, WithInterval(5*time.Millisecond))

	p.Initialize(context.Background(), testCreds, "")

	if state, _ := p.State(); state != StateAvailable {
		t.Errorf("Expected available, got %s", state)
	}
	if got := sink.Capability(CapabilityMeasureWater); got != 4 {
		t.Errorf("Expected immediate refresh to publish 4, got %v", got)
	}
	f.mu.Lock()
	section := f.sections[0]
	f.mu.Unlock()
	if section != "S-1" {
		t.Errorf("Expected section from session when none stored, got %q", section)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.Lookups()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(f.Lookups()); n < 3 {
		t.Fatalf("Expected periodic refreshes, got %d lookups", n)
	}

	p.Teardown()
	p.Teardown()

	after := len(f.Lookups())
	time.Sleep(20 * time.Millisecond)
	if n := len(f.Lookups()); n != after {
		t.Errorf("Expected no refresh after teardown, got %d more lookups", n-after)
	}
}

func TestInitializeUsesStoredSection(t *testing.T) {
	f := newFakeFetcher()
	sink := newFakeSink()
	p := newTestPoller(f, sink)
	defer p.Teardown()

	p.Initialize(context.Background(), testCreds, "STORED")

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sections {
		if s != "STORED" {
			t.Errorf("Expected stored section, got %q", s)
		}
	}
}

func TestTeardownBeforeInitializeNeverSchedules(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeFetcher()
	p := newTestPoller(f, newFakeSink(), WithInterval(time.Millisecond))
	p.Teardown()
	p.Initialize(context.Background(), testCreds, "S-1")

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.done != nil {
		t.Error("Expected no schedule after teardown")
	}
}

func TestOnRemovedStopsRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFakeFetcher()
	p := newTestPoller(f, newFakeSink(), WithInterval(time.Millisecond))
	p.Initialize(context.Background(), testCreds, "S-1")
	p.OnRemoved()
	p.OnRemoved()
}

func TestTickSkipsWhenBusy(t *testing.T) {
	f := newFakeFetcher()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newTestPoller(f, newFakeSink(), WithMetrics(m))

	p.mu.Lock()
	p.tick(context.Background())
	p.mu.Unlock()

	if lookups := f.Lookups(); len(lookups) != 0 {
		t.Errorf("Expected skipped tick to probe nothing, got %v", lookups)
	}
	if got := testutil.ToFloat64(m.RefreshTotal.WithLabelValues(metrics.RefreshSkipped)); got != 1 {
		t.Errorf("Expected skipped refresh counted, got %v", got)
	}

	p.tick(context.Background())
	if lookups := f.Lookups(); len(lookups) != 8 {
		t.Errorf("Expected full search when idle, got %d lookups", len(lookups))
	}
}

func TestOnCredentialsChangedSuccess(t *testing.T) {
	f := newFakeFetcher()
	f.readings[day(1)] = &models.Reading{Value: -0.4}
	sink := newFakeSink()
	store := &fakeStore{}
	p := New("dev-1", f, store, sink, WithClock(func() time.Time { return testNow }))
	p.setState(StateUnavailable, ReasonAuthFailed)
	p.sectionID = "S-1"

	newCreds := models.Credentials{Email: "new@example.com", Password: "new"}
	if err := p.OnCredentialsChanged(context.Background(), newCreds); err != nil {
		t.Fatalf("OnCredentialsChanged failed: %v", err)
	}

	if len(store.saved) != 1 || store.saved[0] != newCreds {
		t.Errorf("Expected new credentials to be saved, got %v", store.saved)
	}
	if got := sink.capabilities[CapabilityMeasureWater]; got != 0.4 {
		t.Errorf("Expected refresh to publish 0.4, got %v", got)
	}
	if state, _ := p.State(); state != StateAvailable {
		t.Errorf("Expected available, got %s", state)
	}
}

func TestOnCredentialsChangedFailure(t *testing.T) {
	f := newFakeFetcher()
	authErr := &saur.AuthenticationError{StatusCode: 401, Status: "Unauthorized"}
	f.authErr = authErr
	sink := newFakeSink()
	store := &fakeStore{}
	p := New("dev-1", f, store, sink, WithTranslator(func(key string) string { return "T:" + key }))
	p.setState(StateAvailable, "")

	err := p.OnCredentialsChanged(context.Background(), models.Credentials{Email: "x", Password: "bad"})

	var credErr *CredentialsError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected CredentialsError, got %v", err)
	}
	if credErr.Error() != "T:"+MsgAuthFailed {
		t.Errorf("Expected localized message, got %q", credErr.Error())
	}
	if !errors.Is(err, authErr) {
		t.Error("Expected error to wrap the authentication failure")
	}
	if state, reason := p.State(); state != StateUnavailable || reason != ReasonAuthFailed {
		t.Errorf("Expected unavailable(auth_failed), got %s(%s)", state, reason)
	}
	if len(store.saved) != 0 {
		t.Errorf("Expected no credentials saved, got %v", store.saved)
	}
	if len(f.Lookups()) != 0 {
		t.Errorf("Expected no refresh, got %v", f.Lookups())
	}
	if f.authCalls != 1 {
		t.Errorf("Expected one authentication attempt, got %d", f.authCalls)
	}
}

func TestOnCredentialsChangedStoreFailure(t *testing.T) {
	f := newFakeFetcher()
	sink := newFakeSink()
	store := &fakeStore{err: errors.New("disk full")}
	p := New("dev-1", f, store, sink)

	err := p.OnCredentialsChanged(context.Background(), testCreds)
	var credErr *CredentialsError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected CredentialsError, got %v", err)
	}
	if state, _ := p.State(); state != StateUnavailable {
		t.Errorf("Expected unavailable, got %s", state)
	}
}

func TestCandidateDates(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 15, 0, 0, time.UTC)
	dates := CandidateDates(now, 7)

	expected := []string{
		"2026-03-02", "2026-03-01", "2026-02-28", "2026-02-27",
		"2026-02-26", "2026-02-25", "2026-02-24", "2026-02-23",
	}
	if len(dates) != len(expected) {
		t.Fatalf("Expected %d dates, got %d", len(expected), len(dates))
	}
	for i, d := range dates {
		if got := d.Format("2006-01-02"); got != expected[i] {
			t.Errorf("Date %d: expected %s, got %s", i, expected[i], got)
		}
	}

	if n := len(CandidateDates(now, 0)); n != 1 {
		t.Errorf("Expected only today with no lookback, got %d", n)
	}
}

func TestStateString(t *testing.T) {
	testCases := map[State]string{
		StateUninitialized:  "uninitialized",
		StateAuthenticating: "authenticating",
		StateAvailable:      "available",
		StateUnavailable:    "unavailable",
		State(42):           "State(42)",
	}
	for state, expected := range testCases {
		if state.String() != expected {
			t.Errorf("Expected %s, got %s", expected, state.String())
		}
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := newFakeSink()
	failing := newFakeSink()
	failing.err = errors.New("boom")
	multi := MultiSink{ok, failing}

	err := multi.SetCapabilityValue(context.Background(), "dev-1", CapabilityMeterWater, 1)
	if err == nil || err.Error() != "boom" {
		t.Errorf("Expected joined error boom, got %v", err)
	}
	if ok.capabilities[CapabilityMeterWater] != 1 {
		t.Error("Expected healthy sink to still receive the value")
	}
	if err := multi.SetAvailable(context.Background(), "dev-1"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if ok.available != 1 || failing.available != 1 {
		t.Error("Expected every sink to be marked available")
	}
}

func TestEnglish(t *testing.T) {
	if English(MsgAuthFailed) == MsgAuthFailed {
		t.Error("Expected a translation for device.auth_failed")
	}
	if English("unknown.key") != "unknown.key" {
		t.Error("Expected unknown keys to pass through")
	}
}
