// Package scheduler owns the polling jobs that periodically fetch prices
// and publish them to the event bus.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/market"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/domain/polling"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/metrics"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/services/provider"
	"github.com/jmoncayo-pursuit/market-data-api/internal/app/system"
	"github.com/jmoncayo-pursuit/market-data-api/pkg/logger"
)

// Publisher is the event bus surface the scheduler publishes to. It must be
// safe for concurrent use by multiple job runners.
type Publisher interface {
	Publish(ctx context.Context, event market.PriceEvent) error
}

// Config tunes scheduler behavior.
type Config struct {
	// FailureThreshold is the consecutive failure count beyond which a job
	// transitions to failed and its timer is cancelled.
	FailureThreshold int
	// FetchTimeout bounds a single provider fetch.
	FetchTimeout time.Duration
}

// Service is the polling scheduler. Each non-deleted job runs an
// independent timer; runners share nothing mutable except the publisher and
// the registry, which a single mutex guards across create/list/get/delete.
type Service struct {
	publisher       Publisher
	fetchers        map[string]provider.Fetcher
	defaultProvider string
	cfg             Config
	log             *logger.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	jobs    map[string]*jobState
	order   []string

	seqMu     sync.Mutex
	sequences map[string]uint64

	wg sync.WaitGroup
}

type jobState struct {
	job    polling.Job
	cancel context.CancelFunc
}

var _ system.Service = (*Service)(nil)

// New constructs a scheduler. fetchers maps provider names to their
// clients; defaultProvider is used when a job names none.
func New(publisher Publisher, fetchers map[string]provider.Fetcher, defaultProvider string, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Service{
		publisher:       publisher,
		fetchers:        fetchers,
		defaultProvider: defaultProvider,
		cfg:             cfg,
		log:             log,
		jobs:            make(map[string]*jobState),
		sequences:       make(map[string]uint64),
	}
}

func (s *Service) Name() string { return "polling-scheduler" }

// Start makes the scheduler accept jobs. Runners derive from the start
// context so stopping the scheduler cancels every timer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.log.Info("polling scheduler started")
	return nil
}

// Stop cancels every job timer and waits for in-flight ticks to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("polling scheduler stopped")
	return nil
}

// CreateJob registers a new polling job and starts its timer. Interval is
// immutable after creation; changing it requires delete and recreate.
func (s *Service) CreateJob(ctx context.Context, symbols []string, interval time.Duration, providerName string) (polling.Job, error) {
	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			return polling.Job{}, market.NewError(market.CodeInvalidConfig, "symbols must not be blank")
		}
		if !seen[symbol] {
			seen[symbol] = true
			cleaned = append(cleaned, symbol)
		}
	}
	if len(cleaned) == 0 {
		return polling.Job{}, market.NewError(market.CodeInvalidConfig, "at least one symbol is required")
	}
	if interval <= 0 {
		return polling.Job{}, market.NewError(market.CodeInvalidConfig, "interval must be positive")
	}
	if providerName == "" {
		providerName = s.defaultProvider
	}
	if _, ok := s.fetchers[providerName]; !ok {
		return polling.Job{}, market.Errorf(market.CodeInvalidConfig, "unknown provider %s", providerName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return polling.Job{}, market.NewError(market.CodeUnavailable, "scheduler is not running")
	}

	now := time.Now().UTC()
	job := polling.Job{
		ID:        uuid.NewString(),
		Symbols:   cleaned,
		Interval:  interval,
		Provider:  providerName,
		Status:    polling.StatusPending,
		CreatedAt: now,
		NextRunAt: now.Add(interval),
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	st := &jobState{job: job, cancel: cancel}
	s.jobs[job.ID] = st
	s.order = append(s.order, job.ID)

	s.wg.Add(1)
	go s.run(runCtx, job.ID, interval)

	s.log.WithField("job_id", job.ID).
		WithField("symbols", strings.Join(cleaned, ",")).
		WithField("interval", interval.String()).
		Info("polling job created")
	return cloneJob(st.job), nil
}

// ListJobs returns all registered jobs in creation order.
func (s *Service) ListJobs(_ context.Context) []polling.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]polling.Job, 0, len(s.order))
	for _, id := range s.order {
		if st, ok := s.jobs[id]; ok {
			jobs = append(jobs, cloneJob(st.job))
		}
	}
	return jobs
}

// GetJob returns one job by id.
func (s *Service) GetJob(_ context.Context, id string) (polling.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return polling.Job{}, market.Errorf(market.CodeNotFound, "job %s not found", id)
	}
	return cloneJob(st.job), nil
}

// DeleteJob cancels a job's timer and removes it. Deleting an unknown or
// already-deleted job is a no-op. A tick already in flight may finish its
// current fetch but no further tick fires.
func (s *Service) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return nil
	}
	st.cancel()
	st.job.Status = polling.StatusDeleted
	delete(s.jobs, id)
	s.removeFromOrder(id)
	s.log.WithField("job_id", id).Info("polling job deleted")
	return nil
}

// DeleteAllJobs cancels and removes every job under one registry sweep, so
// no new tick starts once the call returns.
func (s *Service) DeleteAllJobs(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.jobs)
	for _, st := range s.jobs {
		st.cancel()
		st.job.Status = polling.StatusDeleted
	}
	s.jobs = make(map[string]*jobState)
	s.order = nil
	s.log.WithField("count", count).Info("all polling jobs deleted")
	return count
}

// PauseJob keeps the job's timer but skips its ticks.
func (s *Service) PauseJob(_ context.Context, id string) (polling.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return polling.Job{}, market.Errorf(market.CodeNotFound, "job %s not found", id)
	}
	if st.job.Status == polling.StatusFailed {
		return polling.Job{}, market.Errorf(market.CodeInvalidConfig, "job %s has failed; delete and recreate it", id)
	}
	st.job.Status = polling.StatusPaused
	s.log.WithField("job_id", id).Info("polling job paused")
	return cloneJob(st.job), nil
}

// ResumeJob re-enables a paused job.
func (s *Service) ResumeJob(_ context.Context, id string) (polling.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[id]
	if !ok {
		return polling.Job{}, market.Errorf(market.CodeNotFound, "job %s not found", id)
	}
	if st.job.Status == polling.StatusFailed {
		return polling.Job{}, market.Errorf(market.CodeInvalidConfig, "job %s has failed; delete and recreate it", id)
	}
	if st.job.Status == polling.StatusPaused {
		st.job.Status = polling.StatusRunning
		s.log.WithField("job_id", id).Info("polling job resumed")
	}
	return cloneJob(st.job), nil
}

func (s *Service) run(ctx context.Context, id string, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, id)
		}
	}
}

func (s *Service) tick(ctx context.Context, id string) {
	s.mu.Lock()
	st, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if st.job.Status == polling.StatusPaused {
		st.job.NextRunAt = time.Now().UTC().Add(st.job.Interval)
		s.mu.Unlock()
		return
	}
	if st.job.Status == polling.StatusPending {
		st.job.Status = polling.StatusRunning
	}
	symbols := append([]string(nil), st.job.Symbols...)
	interval := st.job.Interval
	fetcher := s.fetchers[st.job.Provider]
	providerName := st.job.Provider
	s.mu.Unlock()

	failures := 0
	for _, symbol := range symbols {
		// A cancelled job finishes its current fetch but starts no new one.
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		start := time.Now()
		quote, err := fetcher.Fetch(fetchCtx, symbol)
		cancel()
		metrics.RecordFetch(time.Since(start), err == nil)
		if err != nil {
			s.log.WithError(err).
				WithField("job_id", id).
				WithField("symbol", symbol).
				WithField("provider", providerName).
				Warn("price fetch failed")
			failures++
			continue
		}

		event := market.PriceEvent{
			Symbol:    symbol,
			Sequence:  s.nextSequence(symbol),
			Price:     quote.Price,
			Volume:    quote.Volume,
			Source:    quote.Source,
			Timestamp: quote.Timestamp,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			// A bus outage counts like a fetch failure so the job's
			// failure accounting sees it; the observation is dropped, not
			// silently swallowed.
			s.log.WithError(err).
				WithField("job_id", id).
				WithField("symbol", symbol).
				Warn("publish price event failed")
			metrics.RecordPublishFailure()
			failures++
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.jobs[id]
	if !ok {
		// Deleted while the tick was in flight.
		return
	}
	st.job.LastRunAt = now
	st.job.NextRunAt = now.Add(interval)
	switch {
	case failures == 0:
		st.job.ConsecutiveFailures = 0
		metrics.RecordPollTick("ok")
	case failures < len(symbols):
		st.job.ConsecutiveFailures += failures
		metrics.RecordPollTick("partial")
	default:
		st.job.ConsecutiveFailures += failures
		metrics.RecordPollTick("failed")
	}

	if st.job.ConsecutiveFailures > s.cfg.FailureThreshold {
		st.job.Status = polling.StatusFailed
		st.cancel()
		s.log.WithField("job_id", id).
			WithField("consecutive_failures", st.job.ConsecutiveFailures).
			Error("polling job disabled after repeated failures; delete and recreate to resume")
	}
}

// nextSequence allocates the next monotonic sequence number for a symbol.
// Runners for different jobs may poll the same symbol; the shared counter
// keeps the partition ordered regardless of which job published.
func (s *Service) nextSequence(symbol string) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.sequences[symbol]++
	return s.sequences[symbol]
}

func (s *Service) removeFromOrder(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func cloneJob(job polling.Job) polling.Job {
	job.Symbols = append([]string(nil), job.Symbols...)
	return job
}
