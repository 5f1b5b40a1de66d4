package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	connapp "github.com/felixgeelhaar/vitalsync/internal/connections/application"
	conndomain "github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	dailymetrics "github.com/felixgeelhaar/vitalsync/internal/dailymetrics/domain"
	fetching "github.com/felixgeelhaar/vitalsync/internal/providers/application"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
	"github.com/felixgeelhaar/vitalsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/vitalsync/pkg/observability"
)

// ResultTailSize bounds the per-date results carried by the complete event.
const ResultTailSize = 20

// ErrCancelled is returned when the caller went away or the sink failed.
// Data merged before cancellation is kept.
var ErrCancelled = errors.New("import cancelled")

// State is the final state of a run.
type State string

const (
	StatePlanning           State = "planning"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateAbortedRateLimited State = "aborted_rate_limited"
	StateAbortedReauth      State = "aborted_reauth"
	StateAbortedError       State = "aborted_error"
	StateCancelled          State = "cancelled"
)

// TokenSource hands out usable access tokens.
type TokenSource interface {
	ValidToken(ctx context.Context, userID uuid.UUID, provider providers.Provider) (*conndomain.TokenPair, error)
	EnsureValid(ctx context.Context, pair *conndomain.TokenPair) (*conndomain.TokenPair, error)
	Invalidate(ctx context.Context, userID uuid.UUID, provider providers.Provider) error
}

// FetcherSource resolves the fetchers of a provider.
type FetcherSource interface {
	Supports(p providers.Provider) bool
	Families(p providers.Provider) []providers.Family
	Fetchers(p providers.Provider, families []providers.Family) ([]fetching.Fetcher, error)
}

// Config configures the importer.
type Config struct {
	Backoff          BackoffPolicy
	DefaultBatchSize int
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:          DefaultBackoffPolicy(),
		DefaultBatchSize: DefaultBatchSize,
	}
}

// Outcome is the result of one run.
type Outcome struct {
	RunID    string
	State    State
	Plan     *Plan
	Counters Counters
	// Results holds every processed date in order.
	Results []DateResult
	// Cause is the error that aborted the run, if any.
	Cause error
}

// Summary is published to the event bus when a run ends.
type Summary struct {
	RunID             string             `json:"run_id"`
	UserID            uuid.UUID          `json:"user_id"`
	Provider          providers.Provider `json:"provider"`
	State             State              `json:"state"`
	Start             string             `json:"start_date"`
	End               string             `json:"end_date"`
	Adjusted          bool               `json:"adjusted"`
	Counters          Counters           `json:"counters"`
	LastProcessedDate string             `json:"last_processed_date,omitempty"`
	Error             string             `json:"error,omitempty"`
	DurationMS        int64              `json:"duration_ms"`
	FinishedAt        time.Time          `json:"finished_at"`
}

// Importer runs provider imports. It holds no per-run state and is safe
// for concurrent runs.
type Importer struct {
	tokens    TokenSource
	fetchers  FetcherSource
	records   dailymetrics.Repository
	publisher eventbus.Publisher
	config    Config
	logger    *slog.Logger
	metrics   observability.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewImporter creates an importer.
func NewImporter(
	tokens TokenSource,
	fetchers FetcherSource,
	records dailymetrics.Repository,
	config Config,
	logger *slog.Logger,
	metrics observability.Metrics,
) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = DefaultBatchSize
	}
	return &Importer{
		tokens:   tokens,
		fetchers: fetchers,
		records:  records,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WithPublisher publishes a Summary of every finished run.
func (i *Importer) WithPublisher(p eventbus.Publisher) *Importer {
	i.publisher = p
	return i
}

// WithClock replaces the clock used for planning and timestamps.
func (i *Importer) WithClock(now func() time.Time) *Importer {
	if now != nil {
		i.now = now
	}
	return i
}

// Run plans and executes req. The returned error is non-nil only for an
// invalid request, in which case no event was emitted, or for a cancelled
// run. Aborted runs report through the terminal event and Outcome.State.
func (i *Importer) Run(ctx context.Context, req Request, sink EventSink) (*Outcome, error) {
	plan, err := i.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return i.Execute(ctx, plan, sink)
}

// Execute runs a plan produced by Plan.
func (i *Importer) Execute(ctx context.Context, plan *Plan, sink EventSink) (*Outcome, error) {
	if sink == nil {
		sink = NewLogSink(i.logger)
	}
	fetchers, err := i.fetchers.Fetchers(plan.Provider, plan.Families)
	if err != nil {
		return nil, &ValidationError{Field: "data_types", Message: err.Error()}
	}

	r := &run{
		importer: i,
		id:       uuid.NewString(),
		plan:     plan,
		fetchers: fetchers,
		sink:     sink,
		started:  i.now(),
		counters: Counters{Total: len(plan.TargetDates), Remaining: len(plan.TargetDates)},
		logger:   i.logger.With("provider", plan.Provider, "user_id", plan.UserID),
	}
	ctx = observability.WithRunID(ctx, r.id)
	ctx = fetching.WithUser(ctx, plan.UserID)
	return r.execute(ctx)
}

// run is the state of one Execute call.
type run struct {
	importer *Importer
	id       string
	plan     *Plan
	fetchers []fetching.Fetcher
	sink     EventSink
	started  time.Time
	logger   *slog.Logger

	seq           int64
	counters      Counters
	results       []DateResult
	lastProcessed string
	token         *conndomain.TokenPair
	calls         int
	pendingDelay  time.Duration
	sinkErr       error
}

// halt carries a run-ending condition out of the date loop.
type halt struct {
	state       State
	event       EventType
	cause       error
	date        string
	message     string
	remediation string
	retryAfter  time.Duration
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	plan := r.plan
	r.logger.InfoContext(ctx, "import started",
		"dates", len(plan.TargetDates),
		"skipped_existing", plan.SkippedExisting,
		"adjusted", plan.Adjusted,
	)

	if err := r.emit(ctx, Event{
		Type:            EventStart,
		Message:         startMessage(plan),
		Adjusted:        plan.Adjusted,
		SkippedExisting: plan.SkippedExisting,
		Start:           plan.Start.Format(dailymetrics.DateLayout),
		End:             plan.End.Format(dailymetrics.DateLayout),
	}); err != nil {
		return r.cancelled(ctx, err)
	}

	if len(plan.TargetDates) == 0 {
		return r.complete(ctx)
	}

	token, err := r.importer.tokens.ValidToken(ctx, plan.UserID, plan.Provider)
	if err != nil {
		return r.stop(ctx, r.tokenHalt(err, ""))
	}
	r.token = token

	for start := 0; start < len(plan.TargetDates); start += plan.BatchSize {
		end := start + plan.BatchSize
		if end > len(plan.TargetDates) {
			end = len(plan.TargetDates)
		}
		if start > 0 {
			r.pendingDelay = r.importer.config.Backoff.BeforeBatch(r.pendingDelay)
		}

		for _, date := range plan.TargetDates[start:end] {
			day := date.Format(dailymetrics.DateLayout)
			if err := ctx.Err(); err != nil {
				return r.cancelled(ctx, err)
			}

			token, err := r.importer.tokens.EnsureValid(ctx, r.token)
			if err != nil {
				if ctx.Err() != nil {
					return r.cancelled(ctx, ctx.Err())
				}
				return r.stop(ctx, r.tokenHalt(err, day))
			}
			r.token = token

			result, h, err := r.processDate(ctx, date)
			if err != nil {
				return r.cancelled(ctx, err)
			}
			if h != nil {
				return r.stop(ctx, h)
			}

			r.record(result)
			if err := r.emit(ctx, Event{Type: EventProgress, Result: &result}); err != nil {
				return r.cancelled(ctx, err)
			}
		}
	}
	return r.complete(ctx)
}

// processDate runs every fetcher for date in order and merges what
// succeeded. A returned error means the run was cancelled.
func (r *run) processDate(ctx context.Context, date time.Time) (DateResult, *halt, error) {
	day := date.Format(dailymetrics.DateLayout)
	r.counters.CurrentDate = day
	result := DateResult{Date: day}

	var merged dailymetrics.Metrics
	succeeded := 0
	for _, f := range r.fetchers {
		if r.calls > 0 {
			if err := r.importer.sleep(ctx, r.pendingDelay); err != nil {
				return result, nil, err
			}
		}
		r.calls++

		res, err := f.Fetch(ctx, date, r.token.AccessToken)
		r.pendingDelay = r.importer.config.Backoff.After(res.Quota)
		if res.Quota.Known {
			r.importer.metrics.Gauge(observability.MetricQuotaLeft, float64(res.Quota.Remaining),
				observability.T("provider", r.plan.Provider.String()))
			if r.importer.config.Backoff.NearMiss(res.Quota) {
				r.logger.WarnContext(ctx, "provider quota nearly exhausted, slowing down",
					"remaining", res.Quota.Remaining,
					"reset_in", res.Quota.ResetIn,
					"delay", r.pendingDelay,
				)
			}
		}

		switch {
		case err == nil:
			merged = dailymetrics.Coalesce(merged, res.Metrics)
			result.Fetched = append(result.Fetched, f.Family())
			succeeded++
		case errors.Is(err, fetching.ErrRateLimited):
			return result, r.rateLimitHalt(err, day), nil
		case errors.Is(err, fetching.ErrTokenInvalid):
			r.invalidate(ctx)
			return result, &halt{
				state:       StateAbortedReauth,
				event:       EventAuthError,
				cause:       err,
				date:        day,
				message:     fmt.Sprintf("%s rejected the stored access token while importing %s", r.plan.Provider, day),
				remediation: reconnectHint(r.plan.Provider),
			}, nil
		case ctx.Err() != nil:
			return result, nil, ctx.Err()
		default:
			if result.Errors == nil {
				result.Errors = make(map[providers.Family]string)
			}
			result.Errors[f.Family()] = err.Error()
			r.logger.WarnContext(ctx, "fetch failed, continuing",
				"date", day,
				"family", f.Family(),
				"error", err,
			)
		}
	}

	switch {
	case succeeded == 0:
		result.Status = DateFailed
		return result, nil, nil
	case succeeded < len(r.fetchers):
		result.Status = DatePartial
	default:
		result.Status = DateOK
	}
	result.Empty = merged.IsEmpty()

	if _, err := r.importer.records.Merge(ctx, r.plan.UserID, date, merged); err != nil {
		if ctx.Err() != nil {
			return result, nil, ctx.Err()
		}
		r.logger.ErrorContext(ctx, "merge failed", "date", day, "error", err)
		result.Status = DateFailed
		if result.Errors == nil {
			result.Errors = make(map[providers.Family]string)
		}
		for _, family := range result.Fetched {
			result.Errors[family] = "store: " + err.Error()
		}
		result.Fetched = nil
		return result, nil, nil
	}
	r.importer.metrics.Counter(observability.MetricRecordsMerged, 1,
		observability.T("provider", r.plan.Provider.String()))
	r.lastProcessed = day
	return result, nil, nil
}

func (r *run) record(result DateResult) {
	r.counters.Processed++
	if result.Status == DateFailed {
		r.counters.Failed++
	} else {
		r.counters.Succeeded++
	}
	r.counters.Remaining = r.counters.Total - r.counters.Processed
	r.results = append(r.results, result)
	r.importer.metrics.Counter(observability.MetricImportDates, 1,
		observability.T("provider", r.plan.Provider.String()), observability.T("status", string(result.Status)))
}

func (r *run) rateLimitHalt(err error, day string) *halt {
	h := &halt{
		state:       StateAbortedRateLimited,
		event:       EventRateLimit,
		cause:       err,
		date:        day,
		message:     fmt.Sprintf("%s rate limit reached at %s", r.plan.Provider, day),
		remediation: "Try again in about an hour; already imported dates will be skipped.",
	}
	var rl *fetching.RateLimitError
	if errors.As(err, &rl) {
		if rl.Local {
			h.message = fmt.Sprintf("hourly call budget for %s used up at %s", r.plan.Provider, day)
		}
		if rl.RetryAfter > 0 {
			h.retryAfter = rl.RetryAfter
			h.remediation = fmt.Sprintf("Try again in %s; already imported dates will be skipped.", rl.RetryAfter.Round(time.Minute))
			if rl.RetryAfter < time.Minute {
				h.remediation = fmt.Sprintf("Try again in %s; already imported dates will be skipped.", rl.RetryAfter.Round(time.Second))
			}
		}
	}
	return h
}

// tokenHalt maps a token manager error to a halt. Reauth errors have
// already removed the stored pair.
func (r *run) tokenHalt(err error, day string) *halt {
	provider := r.plan.Provider
	switch {
	case errors.Is(err, connapp.ErrReauthRequired):
		return &halt{
			state:       StateAbortedReauth,
			event:       EventAuthError,
			cause:       err,
			date:        day,
			message:     fmt.Sprintf("%s authorization expired or was revoked", provider),
			remediation: reconnectHint(provider),
		}
	case errors.Is(err, connapp.ErrNotConnected):
		return &halt{
			state:       StateAbortedReauth,
			event:       EventAuthError,
			cause:       err,
			date:        day,
			message:     fmt.Sprintf("%s is not connected", provider),
			remediation: reconnectHint(provider),
		}
	default:
		return &halt{
			state:       StateAbortedError,
			event:       EventError,
			cause:       err,
			date:        day,
			message:     fmt.Sprintf("could not obtain a %s access token: %v", provider, err),
			remediation: "The stored connection was kept. Try again later.",
		}
	}
}

func (r *run) invalidate(ctx context.Context) {
	if err := r.importer.tokens.Invalidate(ctx, r.plan.UserID, r.plan.Provider); err != nil {
		r.logger.ErrorContext(ctx, "failed to delete rejected token", "error", err)
	}
}

func (r *run) stop(ctx context.Context, h *halt) (*Outcome, error) {
	r.counters.Remaining = r.counters.Total - r.counters.Processed
	if h.date != "" {
		r.counters.CurrentDate = h.date
	}
	r.logger.WarnContext(ctx, "import halted",
		"state", h.state,
		"date", h.date,
		"processed", r.counters.Processed,
		"remaining", r.counters.Remaining,
		"error", h.cause,
	)

	event := Event{
		Type:              h.event,
		Message:           h.message,
		Remediation:       h.remediation,
		LastProcessedDate: r.lastProcessed,
		Results:           tail(r.results, ResultTailSize),
	}
	if h.retryAfter > 0 {
		event.RetryAfterSeconds = int(h.retryAfter.Round(time.Second) / time.Second)
	}
	if err := r.emit(ctx, event); err != nil {
		return r.cancelled(ctx, err)
	}
	return r.finish(ctx, h.state, h.cause), nil
}

func (r *run) complete(ctx context.Context) (*Outcome, error) {
	r.counters.CurrentDate = ""
	if err := r.emit(ctx, Event{
		Type:              EventComplete,
		Message:           fmt.Sprintf("imported %d of %d dates", r.counters.Succeeded, r.counters.Total),
		LastProcessedDate: r.lastProcessed,
		Results:           tail(r.results, ResultTailSize),
	}); err != nil {
		return r.cancelled(ctx, err)
	}
	r.logger.InfoContext(ctx, "import completed",
		"succeeded", r.counters.Succeeded,
		"failed", r.counters.Failed,
		"duration", r.importer.now().Sub(r.started),
	)
	return r.finish(ctx, StateCompleted, nil), nil
}

// cancelled ends the run without a terminal event when the sink failed.
// When only ctx was cancelled the sink still gets a terminal error event.
func (r *run) cancelled(ctx context.Context, cause error) (*Outcome, error) {
	if r.sinkErr == nil {
		_ = r.emit(context.WithoutCancel(ctx), Event{
			Type:              EventError,
			Message:           "import cancelled",
			LastProcessedDate: r.lastProcessed,
			Results:           tail(r.results, ResultTailSize),
		})
	}
	r.logger.InfoContext(ctx, "import cancelled", "processed", r.counters.Processed, "cause", cause)
	outcome := r.finish(context.WithoutCancel(ctx), StateCancelled, cause)
	return outcome, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

func (r *run) finish(ctx context.Context, state State, cause error) *Outcome {
	i := r.importer
	provider := r.plan.Provider.String()
	duration := i.now().Sub(r.started)
	i.metrics.Counter(observability.MetricImportRuns, 1,
		observability.T("provider", provider), observability.T("outcome", string(state)))
	i.metrics.Timing(observability.MetricImportDuration, duration, observability.T("provider", provider))

	outcome := &Outcome{
		RunID:    r.id,
		State:    state,
		Plan:     r.plan,
		Counters: r.counters,
		Results:  r.results,
		Cause:    cause,
	}
	r.publish(ctx, outcome, duration)
	return outcome
}

func (r *run) publish(ctx context.Context, outcome *Outcome, duration time.Duration) {
	if r.importer.publisher == nil {
		return
	}
	summary := Summary{
		RunID:             r.id,
		UserID:            r.plan.UserID,
		Provider:          r.plan.Provider,
		State:             outcome.State,
		Start:             r.plan.Start.Format(dailymetrics.DateLayout),
		End:               r.plan.End.Format(dailymetrics.DateLayout),
		Adjusted:          r.plan.Adjusted,
		Counters:          outcome.Counters,
		LastProcessedDate: r.lastProcessed,
		DurationMS:        duration.Milliseconds(),
		FinishedAt:        r.importer.now().UTC(),
	}
	if outcome.Cause != nil {
		summary.Error = outcome.Cause.Error()
	}
	key := eventbus.RoutingImportCompleted
	if outcome.State != StateCompleted {
		key = eventbus.RoutingImportAborted
	}
	if err := eventbus.PublishJSON(ctx, r.importer.publisher, key, summary); err != nil {
		r.logger.WarnContext(ctx, "failed to publish import summary", "error", err)
	}
}

func (r *run) emit(ctx context.Context, event Event) error {
	r.seq++
	event.Seq = r.seq
	event.RunID = r.id
	event.Provider = r.plan.Provider
	event.Time = r.importer.now().UTC()
	event.Counters = r.counters
	if err := r.sink.Emit(ctx, event); err != nil {
		r.sinkErr = err
		return err
	}
	return nil
}

func startMessage(plan *Plan) string {
	msg := fmt.Sprintf("importing %d dates from %s", len(plan.TargetDates), plan.Provider)
	if plan.Adjusted {
		msg += fmt.Sprintf(" (range limited to the last %d days)", plan.Provider.MaxImportSpanDays())
	}
	if plan.SkippedExisting > 0 {
		msg += fmt.Sprintf(", %d already imported", plan.SkippedExisting)
	}
	return msg
}

func reconnectHint(provider providers.Provider) string {
	return fmt.Sprintf("Reconnect %s: run `vitalsync connect %s` and approve access again.", provider, provider)
}

func tail(results []DateResult, n int) []DateResult {
	if len(results) <= n {
		return append([]DateResult(nil), results...)
	}
	return append([]DateResult(nil), results[len(results)-n:]...)
}
