// Package usercontext caches the personalised backend snapshot for each
// (thread, user) pair and assembles it from concurrent lookups on a miss.
package usercontext

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"welfare-agent/internal/domain"
)

const (
	defaultLookupTimeout = 10 * time.Second
	defaultSchemeFanout  = 4
)

// Backend is the government welfare-board API as seen by the cache.
type Backend interface {
	FetchSchemes(ctx context.Context, token, userID string) ([]domain.SchemeApplication, error)
	FetchSchemeDetail(ctx context.Context, token string, scheme domain.SchemeApplication) (domain.SchemeDetail, error)
	FetchRegistration(ctx context.Context, token, userID string) (*domain.Registration, error)
	FetchRenewalDate(ctx context.Context, token, userID string) (string, error)
}

// Store persists one UserContext per (thread, user). GetUserContext returns
// nil and no error on a miss; UpsertUserContext replaces any prior entry.
type Store interface {
	GetUserContext(ctx context.Context, threadID, userID string) (*domain.UserContext, error)
	UpsertUserContext(ctx context.Context, uc domain.UserContext) error
}

// Recorder observes lookup outcomes.
type Recorder interface {
	ObserveLookup(lookup string, ok bool)
}

type Option func(*Service)

func WithLookupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lookupTimeout = d
		}
	}
}

// WithSchemeFanout caps concurrent per-scheme detail requests.
func WithSchemeFanout(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.schemeFanout = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service is the read-through user-context cache.
type Service struct {
	store         Store
	backend       Backend
	lookupTimeout time.Duration
	schemeFanout  int
	logger        *slog.Logger
	recorder      Recorder
	now           func() time.Time
}

func NewService(store Store, backend Backend, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("usercontext: store must not be nil")
	}
	if backend == nil {
		return nil, errors.New("usercontext: backend must not be nil")
	}
	s := &Service{
		store:         store,
		backend:       backend,
		lookupTimeout: defaultLookupTimeout,
		schemeFanout:  defaultSchemeFanout,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetOrFetch returns the cached context for (threadID, userID), assembling
// and storing a fresh one on a miss. Lookup failures never fail the call;
// they are listed in UserContext.Unavailable. Callers must hold the
// conversation lock for threadID so writes for one key never interleave.
func (s *Service) GetOrFetch(ctx context.Context, threadID, userID, token string) (*domain.UserContext, error) {
	cached, err := s.store.GetUserContext(ctx, threadID, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "user context read failed, refetching", "thread_id", threadID, "err", err)
	} else if cached != nil {
		return cached, nil
	}

	uc := s.fetch(ctx, threadID, userID, token)
	if err := s.store.UpsertUserContext(ctx, *uc); err != nil {
		s.logger.ErrorContext(ctx, "user context write failed", "thread_id", threadID, "err", err)
	}
	return uc, nil
}

func (s *Service) fetch(ctx context.Context, threadID, userID, token string) *domain.UserContext {
	uc := &domain.UserContext{ThreadID: threadID, UserID: userID}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	unavailable := func(name string) {
		mu.Lock()
		uc.Unavailable = append(uc.Unavailable, name)
		mu.Unlock()
	}

	g.Go(func() error {
		schemes, err := s.fetchSchemes(ctx, userID, token)
		if s.observe(ctx, domain.LookupSchemes, err) {
			unavailable(domain.LookupSchemes)
			return nil
		}
		uc.Schemes = schemes
		return nil
	})
	g.Go(func() error {
		lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		defer cancel()
		reg, err := s.backend.FetchRegistration(lctx, token, userID)
		if s.observe(ctx, domain.LookupRegistration, err) {
			unavailable(domain.LookupRegistration)
			return nil
		}
		uc.Registration = reg
		return nil
	})
	g.Go(func() error {
		lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		defer cancel()
		date, err := s.backend.FetchRenewalDate(lctx, token, userID)
		if s.observe(ctx, domain.LookupRenewalDate, err) {
			unavailable(domain.LookupRenewalDate)
			return nil
		}
		uc.RenewalDate = date
		return nil
	})
	_ = g.Wait()

	now := s.now()
	uc.FetchedAt = now.UTC()
	sortLookups(uc.Unavailable)
	if uc.Registration != nil {
		uc.Registration.ValidityStatus = ValidityStatus(uc.Registration.ValidityTo, now)
		uc.EligibleSchemes = EligibleSchemes(uc.Registration, uc.Schemes, now)
	}
	return uc
}

// fetchSchemes lists applications then resolves each one's status
// concurrently. A failed detail marks only that scheme.
func (s *Service) fetchSchemes(ctx context.Context, userID, token string) ([]domain.SchemeApplication, error) {
	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	schemes, err := s.backend.FetchSchemes(lctx, token, userID)
	if err != nil {
		return nil, err
	}
	schemes = Dedupe(schemes)

	var g errgroup.Group
	g.SetLimit(s.schemeFanout)
	for i := range schemes {
		g.Go(func() error {
			detail, err := s.backend.FetchSchemeDetail(lctx, token, schemes[i])
			if err != nil {
				s.logger.WarnContext(ctx, "scheme status lookup failed", "scheme_id", schemes[i].SchemeID, "err", err)
				schemes[i].Status = StatusUnavailable
				return nil
			}
			schemes[i].Status = detail.Status
			schemes[i].RejectionReasons = detail.RejectionReasons
			return nil
		})
	}
	_ = g.Wait()
	return schemes, nil
}

// observe records the outcome and reports whether the lookup failed.
func (s *Service) observe(ctx context.Context, lookup string, err error) bool {
	if s.recorder != nil {
		s.recorder.ObserveLookup(lookup, err == nil)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "user data lookup unavailable", "lookup", lookup, "err", err)
		return true
	}
	return false
}
