package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	connpersistence "github.com/felixgeelhaar/vitalsync/internal/connections/infrastructure/persistence"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	recordpersistence "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/infrastructure/persistence"
	fetching "github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

var (
	testUser = uuid.MustParse("5b0c1d2e-3f40-4a5b-8c6d-7e8f90a1b2c3")
	testNow  = time.Date(2024, 3, 20, 15, 30, 0, 0, time.UTC)
)

func day(s string) time.Time {
	d, err := dailymetrics.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// callLog records fetcher calls across all fetchers of a harness.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type stubFetcher struct {
	provider providers.Provider
	family   providers.Family
	log      *callLog
	tokens   []string
	// fn overrides the default result for a date.
	fn func(date time.Time) (fetching.Result, error)
}

func (s *stubFetcher) Provider() providers.Provider { return s.provider }
func (s *stubFetcher) Family() providers.Family     { return s.family }

func (s *stubFetcher) Fetch(ctx context.Context, date time.Time, accessToken string) (fetching.Result, error) {
	s.log.add(date.Format(dailymetrics.DateLayout) + "/" + string(s.family))
	s.tokens = append(s.tokens, accessToken)
	if s.fn != nil {
		return s.fn(date)
	}
	return fetching.Result{Metrics: defaultMetrics(s.family, date)}, nil
}

func defaultMetrics(family providers.Family, date time.Time) dailymetrics.Metrics {
	switch family {
	case providers.FamilyActivity:
		return dailymetrics.Metrics{Steps: dailymetrics.Int(1000 + date.Day()), CaloriesBurned: dailymetrics.Int(2000)}
	case providers.FamilyHeartRate:
		return dailymetrics.Metrics{RestingHeartRate: dailymetrics.Int(60)}
	case providers.FamilySleep:
		return dailymetrics.Metrics{SleepHours: dailymetrics.Float(7.5)}
	default:
		return dailymetrics.Metrics{Weight: dailymetrics.Float(70.2), BodyFat: dailymetrics.Float(18)}
	}
}

type refreshAuthorizer struct {
	provider providers.Provider
	grant    *conndomain.Grant
	err      error
}

func (a *refreshAuthorizer) Provider() providers.Provider { return a.provider }
func (a *refreshAuthorizer) AuthURL(state string) string  { return "https://auth.example/" + state }
func (a *refreshAuthorizer) Exchange(ctx context.Context, code string) (*conndomain.Grant, error) {
	return a.grant, a.err
}
func (a *refreshAuthorizer) Refresh(ctx context.Context, refreshToken string) (*conndomain.Grant, error) {
	return a.grant, a.err
}

type harness struct {
	importer  *Importer
	tokens    *connpersistence.MemoryTokenRepository
	records   *recordpersistence.MemoryDailyRecordRepository
	fetchers  map[providers.Family]*stubFetcher
	log       *callLog
	publisher *eventbus.MemoryPublisher
	metrics   *observability.InMemoryMetrics
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	authorizers []connapp.Authorizer
	expiresAt   time.Time
	noToken     bool
}

func withAuthorizer(a connapp.Authorizer) harnessOption {
	return func(c *harnessConfig) { c.authorizers = append(c.authorizers, a) }
}

func withExpiredToken() harnessOption {
	return func(c *harnessConfig) { c.expiresAt = testNow.Add(-time.Minute) }
}

func withoutToken() harnessOption {
	return func(c *harnessConfig) { c.noToken = true }
}

func newHarness(t *testing.T, provider providers.Provider, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{expiresAt: testNow.Add(time.Hour)}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		tokens:    connpersistence.NewMemoryTokenRepository(),
		records:   recordpersistence.NewMemoryDailyRecordRepository(),
		fetchers:  make(map[providers.Family]*stubFetcher),
		log:       &callLog{},
		publisher: eventbus.NewMemoryPublisher(),
		metrics:   observability.NewInMemoryMetrics(),
	}
	if !cfg.noToken {
		require.NoError(t, h.tokens.Save(context.Background(), conndomain.TokenPair{
			UserID:       testUser,
			Provider:     provider,
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			ExpiresAt:    cfg.expiresAt,
		}))
	}

	registry := fetching.NewRegistry()
	for _, family := range providers.AllFamilies() {
		f := &stubFetcher{provider: provider, family: family, log: h.log}
		h.fetchers[family] = f
		registry.Register(f)
	}

	manager := connapp.NewManager(h.tokens, cfg.authorizers,
		connapp.ManagerConfig{Now: func() time.Time { return testNow }}, nil, h.metrics)
	config := Config{Backoff: NoBackoff(), DefaultBatchSize: 3}
	h.importer = NewImporter(manager, registry, h.records, config, nil, h.metrics).
		WithPublisher(h.publisher).
		WithClock(func() time.Time { return testNow })
	return h
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	failAt int
}

func (s *recordingSink) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return errors.New("client went away")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(t EventType) []Event {
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) last() Event {
	return s.events[len(s.events)-1]
}

func request(provider providers.Provider, start, end string) Request {
	return Request{UserID: testUser, Provider: provider, Start: day(start), End: day(end)}
}

func TestImporter_Plan_Validation(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"end before start", request(providers.ProviderFitbit, "2024-03-10", "2024-03-01"), "date_range"},
		{"unknown provider", request(providers.Provider("garmin"), "2024-03-01", "2024-03-02"), "provider"},
		{"provider without fetchers", request(providers.ProviderWithings, "2024-03-01", "2024-03-02"), "provider"},
		{"missing user", Request{Provider: providers.ProviderFitbit, Start: day("2024-03-01"), End: day("2024-03-02")}, "user_id"},
		{"missing dates", Request{UserID: testUser, Provider: providers.ProviderFitbit}, "date_range"},
		{"start in the future", request(providers.ProviderFitbit, "2024-04-01", "2024-04-05"), "date_range"},
		{"negative batch size", func() Request {
			r := request(providers.ProviderFitbit, "2024-03-01", "2024-03-02")
			r.BatchSize = -1
			return r
		}(), "batch_size"},
		{"unknown data type", func() Request {
			r := request(providers.ProviderFitbit, "2024-03-01", "2024-03-02")
			r.DataTypes = []string{"nutrition"}
			return r
		}(), "data_types"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.importer.Plan(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestImporter_Plan_UnsupportedDataType(t *testing.T) {
	registry := fetching.NewRegistry(&stubFetcher{provider: providers.ProviderWithings, family: providers.FamilyBody, log: &callLog{}})
	imp := NewImporter(nil, registry, recordpersistence.NewMemoryDailyRecordRepository(), DefaultConfig(), nil, nil).
		WithClock(func() time.Time { return testNow })

	req := request(providers.ProviderWithings, "2024-03-01", "2024-03-02")
	req.DataTypes = []string{"sleep"}
	_, err := imp.Plan(context.Background(), req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "data_types", verr.Field)
}

func TestImporter_Plan_CapsSpanToProviderMaximum(t *testing.T) {
	h := newHarness(t, providers.ProviderWithings)
	end := day("2024-03-19")
	req := Request{UserID: testUser, Provider: providers.ProviderWithings, Start: end.AddDate(0, 0, -119), End: end}

	plan, err := h.importer.Plan(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, plan.Adjusted)
	require.Len(t, plan.TargetDates, 90)
	assert.Equal(t, end.AddDate(0, 0, -89), plan.TargetDates[0])
	assert.Equal(t, end, plan.TargetDates[89])
	assert.Equal(t, plan.TargetDates[0], plan.Start)
	assert.Equal(t, end.AddDate(0, 0, -119), plan.RequestedStart)
}

func TestImporter_Plan_ClampsEndToToday(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)

	plan, err := h.importer.Plan(context.Background(), request(providers.ProviderFitbit, "2024-03-18", "2024-03-25"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2024-03-18"), day("2024-03-19"), day("2024-03-20")}, plan.TargetDates)
	assert.False(t, plan.Adjusted)
}

func TestImporter_Plan_RequiredFieldFollowsFirstFamily(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	ctx := context.Background()
	_, err := h.records.Merge(ctx, testUser, day("2024-03-02"), dailymetrics.Metrics{SleepHours: dailymetrics.Float(6)})
	require.NoError(t, err)
	_, err = h.records.Merge(ctx, testUser, day("2024-03-03"), dailymetrics.Metrics{Weight: dailymetrics.Float(70)})
	require.NoError(t, err)

	req := request(providers.ProviderFitbit, "2024-03-01", "2024-03-03")
	req.DataTypes = []string{"weight", "sleep"}
	plan, err := h.importer.Plan(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []providers.Family{providers.FamilySleep, providers.FamilyBody}, plan.Families)
	assert.Equal(t, dailymetrics.FieldSleepHours, plan.RequiredField)
	assert.Equal(t, []time.Time{day("2024-03-01"), day("2024-03-03")}, plan.TargetDates)
	assert.Equal(t, 1, plan.SkippedExisting)

	req.OverwriteExisting = true
	plan, err = h.importer.Plan(ctx, req)
	require.NoError(t, err)
	assert.Len(t, plan.TargetDates, 3)
	assert.Zero(t, plan.SkippedExisting)
}

func TestImporter_Plan_BatchSize(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)

	req := request(providers.ProviderFitbit, "2024-03-01", "2024-03-02")
	plan, err := h.importer.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, plan.BatchSize)

	req.BatchSize = 100
	plan, err = h.importer.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, plan.BatchSize)
}

func TestImporter_Run_OrderingAcrossTenDates(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-10"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)

	progress := sink.ofType(EventProgress)
	require.Len(t, progress, 10)
	for i := 1; i < len(progress); i++ {
		prev, _ := dailymetrics.ParseDay(progress[i-1].Counters.CurrentDate)
		cur, _ := dailymetrics.ParseDay(progress[i].Counters.CurrentDate)
		assert.Equal(t, prev.AddDate(0, 0, 1), cur, "progress dates must be consecutive")
	}
	for i := 1; i < len(sink.events); i++ {
		assert.Equal(t, sink.events[i-1].Seq+1, sink.events[i].Seq)
	}

	assert.Equal(t, EventStart, sink.events[0].Type)
	terminal := 0
	for _, e := range sink.events {
		if e.Type.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	last := sink.last()
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, Counters{Total: 10, Processed: 10, Succeeded: 10, Remaining: 0}, last.Counters)

	calls := h.log.all()
	require.Len(t, calls, 40)
	assert.Equal(t, []string{
		"2024-03-01/activity", "2024-03-01/heart_rate", "2024-03-01/sleep", "2024-03-01/body",
		"2024-03-02/activity",
	}, calls[:5])
}

func TestImporter_Run_IdempotentWithSkipExisting(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	ctx := context.Background()
	req := request(providers.ProviderFitbit, "2024-03-01", "2024-03-05")

	_, err := h.importer.Run(ctx, req, &recordingSink{})
	require.NoError(t, err)
	firstCalls := len(h.log.all())
	merges := h.records.MergeCount()
	before, err := h.records.FindRange(ctx, testUser, day("2024-03-01"), day("2024-03-05"))
	require.NoError(t, err)
	require.Len(t, before, 5)

	sink := &recordingSink{}
	outcome, err := h.importer.Run(ctx, req, sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, firstCalls, len(h.log.all()), "second run must not call any fetcher")
	assert.Equal(t, merges, h.records.MergeCount())
	after, err := h.records.FindRange(ctx, testUser, day("2024-03-01"), day("2024-03-05"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 5, sink.events[0].SkippedExisting)
}

func TestImporter_Run_HaltsOnRateLimit(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.fetchers[providers.FamilyHeartRate].fn = func(date time.Time) (fetching.Result, error) {
		if date.Equal(day("2024-03-03")) {
			return fetching.Result{}, &fetching.RateLimitError{Provider: providers.ProviderFitbit, RetryAfter: 30 * time.Minute}
		}
		return fetching.Result{Metrics: defaultMetrics(providers.FamilyHeartRate, date)}, nil
	}
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-05"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateAbortedRateLimited, outcome.State)
	assert.ErrorIs(t, outcome.Cause, fetching.ErrRateLimited)

	progress := sink.ofType(EventProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, "2024-03-01", progress[0].Counters.CurrentDate)
	assert.Equal(t, "2024-03-02", progress[1].Counters.CurrentDate)

	last := sink.last()
	assert.Equal(t, EventRateLimit, last.Type)
	assert.Equal(t, "2024-03-03", last.Counters.CurrentDate)
	assert.Equal(t, "2024-03-02", last.LastProcessedDate)
	assert.Equal(t, 3, last.Counters.Remaining)
	assert.Equal(t, 1800, last.RetryAfterSeconds)
	assert.Contains(t, last.Remediation, "30m")

	for _, d := range []string{"2024-03-01", "2024-03-02"} {
		rec, err := h.records.Find(context.Background(), testUser, day(d))
		require.NoError(t, err)
		assert.NotNil(t, rec, d)
	}
	for _, d := range []string{"2024-03-03", "2024-03-04", "2024-03-05"} {
		rec, err := h.records.Find(context.Background(), testUser, day(d))
		require.NoError(t, err)
		assert.Nil(t, rec, d)
	}
	assert.NotContains(t, h.log.all(), "2024-03-03/sleep")
	assert.NotContains(t, h.log.all(), "2024-03-04/activity")

	_, err = h.tokens.Find(context.Background(), testUser, providers.ProviderFitbit)
	assert.NoError(t, err, "a rate limit must keep the token")
}

func TestImporter_Run_RateLimitWithoutRetryAfter(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.fetchers[providers.FamilyActivity].fn = func(date time.Time) (fetching.Result, error) {
		return fetching.Result{}, &fetching.RateLimitError{Provider: providers.ProviderFitbit}
	}
	sink := &recordingSink{}

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)

	last := sink.last()
	assert.Equal(t, EventRateLimit, last.Type)
	assert.Contains(t, last.Remediation, "about an hour")
	assert.Zero(t, last.RetryAfterSeconds)
	assert.Empty(t, last.LastProcessedDate)
}

func TestImporter_Run_TokenRejectedDeletesToken(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.fetchers[providers.FamilySleep].fn = func(date time.Time) (fetching.Result, error) {
		if date.Equal(day("2024-03-02")) {
			return fetching.Result{}, fetching.ErrTokenInvalid
		}
		return fetching.Result{Metrics: defaultMetrics(providers.FamilySleep, date)}, nil
	}
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-03"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateAbortedReauth, outcome.State)

	last := sink.last()
	assert.Equal(t, EventAuthError, last.Type)
	assert.Contains(t, last.Remediation, "vitalsync connect fitbit")
	assert.Equal(t, "2024-03-01", last.LastProcessedDate)

	_, err = h.tokens.Find(context.Background(), testUser, providers.ProviderFitbit)
	assert.ErrorIs(t, err, conndomain.ErrTokenNotFound)

	rec, err := h.records.Find(context.Background(), testUser, day("2024-03-02"))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestImporter_Run_NotConnected(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit, withoutToken())
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)

	assert.Equal(t, StateAbortedReauth, outcome.State)
	assert.Equal(t, EventAuthError, sink.last().Type)
	assert.Empty(t, h.log.all())
}

func TestImporter_Run_RefreshUnavailableKeepsToken(t *testing.T) {
	auth := &refreshAuthorizer{provider: providers.ProviderFitbit, err: errors.New("connection reset")}
	h := newHarness(t, providers.ProviderFitbit, withExpiredToken(), withAuthorizer(auth))
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)

	assert.Equal(t, StateAbortedError, outcome.State)
	assert.ErrorIs(t, outcome.Cause, connapp.ErrRefreshUnavailable)
	assert.Equal(t, EventError, sink.last().Type)
	_, err = h.tokens.Find(context.Background(), testUser, providers.ProviderFitbit)
	assert.NoError(t, err)
}

func TestImporter_Run_InvalidGrantEndsInAuthError(t *testing.T) {
	auth := &refreshAuthorizer{provider: providers.ProviderFitbit, err: conndomain.ErrInvalidGrant}
	h := newHarness(t, providers.ProviderFitbit, withExpiredToken(), withAuthorizer(auth))
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)

	assert.Equal(t, StateAbortedReauth, outcome.State)
	assert.Equal(t, EventAuthError, sink.last().Type)
	_, err = h.tokens.Find(context.Background(), testUser, providers.ProviderFitbit)
	assert.ErrorIs(t, err, conndomain.ErrTokenNotFound)
}

func TestImporter_Run_UsesRefreshedToken(t *testing.T) {
	auth := &refreshAuthorizer{provider: providers.ProviderFitbit, grant: &conndomain.Grant{
		AccessToken: "fresh",
		ExpiresAt:   testNow.Add(8 * time.Hour),
	}}
	h := newHarness(t, providers.ProviderFitbit, withExpiredToken(), withAuthorizer(auth))

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)

	for _, token := range h.fetchers[providers.FamilyActivity].tokens {
		assert.Equal(t, "fresh", token)
	}
	stored, err := h.tokens.Find(context.Background(), testUser, providers.ProviderFitbit)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "refresh", stored.RefreshToken)
}

func TestImporter_Run_PartialDateSuccess(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.fetchers[providers.FamilyHeartRate].fn = func(date time.Time) (fetching.Result, error) {
		if date.Equal(day("2024-03-01")) {
			return fetching.Result{}, &fetching.StatusError{Provider: providers.ProviderFitbit, Status: 502, Body: "bad gateway"}
		}
		return fetching.Result{Metrics: defaultMetrics(providers.FamilyHeartRate, date)}, nil
	}
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)

	rec, err := h.records.Find(context.Background(), testUser, day("2024-03-01"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1001, *rec.Steps)
	assert.Nil(t, rec.RestingHeartRate)
	assert.NotNil(t, rec.SleepHours)

	first := sink.ofType(EventProgress)[0].Result
	require.NotNil(t, first)
	assert.Equal(t, DatePartial, first.Status)
	assert.Contains(t, first.Errors[providers.FamilyHeartRate], "502")
	assert.Equal(t, []providers.Family{providers.FamilyActivity, providers.FamilySleep, providers.FamilyBody}, first.Fetched)

	rec, err = h.records.Find(context.Background(), testUser, day("2024-03-02"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 60, *rec.RestingHeartRate)
	assert.Equal(t, Counters{Total: 2, Processed: 2, Succeeded: 2}, sink.last().Counters)
}

func TestImporter_Run_AllFetchersFailCountsAsFailedDate(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	for _, f := range h.fetchers {
		f.fn = func(date time.Time) (fetching.Result, error) {
			return fetching.Result{}, errors.New("timeout")
		}
	}
	sink := &recordingSink{}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, 2, outcome.Counters.Failed)
	assert.Zero(t, h.records.MergeCount())
}

func TestImporter_Run_EmptyResultStillMerged(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	for _, f := range h.fetchers {
		f.fn = func(date time.Time) (fetching.Result, error) { return fetching.Result{}, nil }
	}
	sink := &recordingSink{}

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-01"), sink)
	require.NoError(t, err)

	rec, err := h.records.Find(context.Background(), testUser, day("2024-03-01"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsEmpty())
	assert.False(t, rec.SyncedAt.IsZero())
	result := sink.ofType(EventProgress)[0].Result
	assert.Equal(t, DateOK, result.Status)
	assert.True(t, result.Empty)
}

func TestImporter_Run_SinkFailureCancels(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	// Event 1 is start, 2 and 3 are progress for the first two dates.
	sink := &recordingSink{failAt: 3}

	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-05"), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, outcome.State)

	assert.NotContains(t, h.log.all(), "2024-03-03/activity")
	assert.Equal(t, 2, h.records.MergeCount(), "merged dates survive cancellation")
	for _, e := range sink.events {
		assert.False(t, e.Type.Terminal())
	}
}

func TestImporter_Run_ContextCancelled(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	ctx, cancel := context.WithCancel(context.Background())
	h.fetchers[providers.FamilyBody].fn = func(date time.Time) (fetching.Result, error) {
		cancel()
		return fetching.Result{Metrics: defaultMetrics(providers.FamilyBody, date)}, nil
	}
	sink := &recordingSink{}

	outcome, err := h.importer.Run(ctx, request(providers.ProviderFitbit, "2024-03-01", "2024-03-05"), sink)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, EventError, sink.last().Type)
	assert.NotContains(t, h.log.all(), "2024-03-02/activity")
}

type recordingSleeper struct {
	mu     sync.Mutex
	waits  []time.Duration
	before []int
	log    *callLog
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	s.before = append(s.before, len(s.log.all()))
	return ctx.Err()
}

func TestImporter_Run_PacesFetchersAndBatches(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.importer.config.Backoff = BackoffPolicy{FetchDelay: 40 * time.Millisecond, BatchDelay: 100 * time.Millisecond}
	sleeper := &recordingSleeper{log: h.log}
	h.importer.sleep = sleeper.sleep

	// Batch size 3: dates 1-3 form the first batch, date 4 the second.
	outcome, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-04"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	require.Len(t, h.log.all(), 16)

	// Every call but the first waits, including across dates.
	require.Len(t, sleeper.waits, 15)
	for i, calls := range sleeper.before {
		assert.Equal(t, i+1, calls, "wait %d happens before call %d", i, i+2)
	}
	for i, d := range sleeper.waits {
		if i == 11 {
			assert.Equal(t, 100*time.Millisecond, d, "first call of the second batch waits for the batch delay")
			continue
		}
		assert.Equal(t, 40*time.Millisecond, d, "wait %d", i)
	}
	assert.Equal(t, "2024-03-04/activity", h.log.all()[12])
}

func TestImporter_Run_EscalatesDelayAfterNearMiss(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.importer.config.Backoff = BackoffPolicy{
		FetchDelay:     40 * time.Millisecond,
		EscalatedDelay: 2 * time.Second,
		NearMissQuota:  10,
	}
	sleeper := &recordingSleeper{log: h.log}
	h.importer.sleep = sleeper.sleep
	h.fetchers[providers.FamilyHeartRate].fn = func(date time.Time) (fetching.Result, error) {
		return fetching.Result{
			Metrics: defaultMetrics(providers.FamilyHeartRate, date),
			Quota:   fetching.Quota{Known: true, Remaining: 3},
		}, nil
	}

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-01"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{40 * time.Millisecond, 2 * time.Second, 40 * time.Millisecond}, sleeper.waits)
}

func TestImporter_Run_CancelDuringDelayStopsBeforeNextCall(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.importer.config.Backoff = BackoffPolicy{FetchDelay: time.Minute, BatchDelay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()
	sink := &recordingSink{}

	started := time.Now()
	outcome, err := h.importer.Run(ctx, request(providers.ProviderFitbit, "2024-03-01", "2024-03-04"), sink)

	assert.Less(t, time.Since(started), 10*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, []string{"2024-03-01/activity"}, h.log.all())
	assert.Zero(t, h.records.MergeCount())
}

func TestImporter_Run_CompleteCarriesBoundedTail(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	sink := &recordingSink{}

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-02-01", "2024-02-25"), sink)
	require.NoError(t, err)

	last := sink.last()
	require.Len(t, last.Results, ResultTailSize)
	assert.Equal(t, "2024-02-06", last.Results[0].Date)
	assert.Equal(t, "2024-02-25", last.Results[ResultTailSize-1].Date)
}

func TestImporter_Run_PublishesSummaryAndMetrics(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-02"), &recordingSink{})
	require.NoError(t, err)

	messages := h.publisher.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, eventbus.RoutingImportCompleted, messages[0].RoutingKey)

	var summary Summary
	require.NoError(t, json.Unmarshal(messages[0].Payload, &summary))
	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, testUser, summary.UserID)
	assert.Equal(t, 2, summary.Counters.Succeeded)
	assert.Equal(t, "2024-03-02", summary.LastProcessedDate)

	assert.Equal(t, int64(1), h.metrics.GetCounter(observability.MetricImportRuns,
		observability.T("provider", "fitbit"), observability.T("outcome", "completed")))
	assert.Equal(t, int64(2), h.metrics.GetCounter(observability.MetricRecordsMerged, observability.T("provider", "fitbit")))
}

func TestImporter_Run_QuotaNearMissLogged(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)
	h.importer.config.Backoff = BackoffPolicy{NearMissQuota: 10}
	h.fetchers[providers.FamilyActivity].fn = func(date time.Time) (fetching.Result, error) {
		return fetching.Result{
			Metrics: defaultMetrics(providers.FamilyActivity, date),
			Quota:   fetching.Quota{Known: true, Remaining: 4},
		}, nil
	}

	_, err := h.importer.Run(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-01"), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, float64(4), h.metrics.GetGauge(observability.MetricQuotaLeft, observability.T("provider", "fitbit")))
}

func TestImporter_Stream(t *testing.T) {
	h := newHarness(t, providers.ProviderFitbit)

	events, err := h.importer.Stream(context.Background(), request(providers.ProviderFitbit, "2024-03-01", "2024-03-03"))
	require.NoError(t, err)

	var got []EventType
	for e := range events {
		got = append(got, e.Type)
	}
	assert.Equal(t, []EventType{EventStart, EventProgress, EventProgress, EventProgress, EventComplete}, got)

	_, err = h.importer.Stream(context.Background(), request(providers.ProviderFitbit, "2024-03-05", "2024-03-01"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
