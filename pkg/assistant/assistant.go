// Package assistant wires the stores, engines and gates into one
// service and owns the background maintenance loop.
package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/assemble"
	"github.com/dotsetgreg/hearthmind/pkg/audit"
	"github.com/dotsetgreg/hearthmind/pkg/config"
	"github.com/dotsetgreg/hearthmind/pkg/firewall"
	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/index"
	"github.com/dotsetgreg/hearthmind/pkg/learn"
	"github.com/dotsetgreg/hearthmind/pkg/llm"
	"github.com/dotsetgreg/hearthmind/pkg/policy"
	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/retrieval"
	"github.com/dotsetgreg/hearthmind/pkg/sanitize"
	"github.com/dotsetgreg/hearthmind/pkg/session"
	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Service holds every component of the assistant behind one handle.
type Service struct {
	cfg *config.Config
	log *zap.Logger
	db  *sql.DB

	sanitizer     *sanitize.Sanitizer
	firewall      *firewall.Firewall
	policy        *policy.Engine
	confirmations *policy.ConfirmationStore
	profiles      *profile.Store
	sessions      *session.Store
	auditLog      *audit.Log
	engine        *retrieval.Engine
	client        *llm.Client
	assembler     *assemble.Assembler
	learner       *learn.Pipeline
	observer      *learn.Observer
	reindexer     *index.Reindexer

	states ha.StateProvider
	caller ha.ServiceCaller

	gron     gronx.Gronx
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds the service over the workspace database. states and
// caller may be nil when no home automation backend is connected; the
// conversational side still works without one.
func New(cfg *config.Config, states ha.StateProvider, caller ha.ServiceCaller, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open workspace database: %w", err)
	}

	profiles, err := profile.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("init profile store: %w", err)
	}
	sessions, err := session.NewStore(db, time.Duration(cfg.Assistant.SessionTimeoutMinutes)*time.Minute, log)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	auditLog, err := audit.NewLog(db)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	confirmations, err := policy.NewConfirmationStore(db)
	if err != nil {
		return nil, fmt.Errorf("init confirmation store: %w", err)
	}

	client := llm.NewClient(llm.Options{
		APIKey:         cfg.GetAPIKey(),
		APIBase:        cfg.GetAPIBase(),
		Model:          cfg.LLM.Model,
		SummaryModel:   cfg.GetSummaryModel(),
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	}, log)

	engine, err := retrieval.NewEngine(db, client, log)
	if err != nil {
		return nil, fmt.Errorf("init retrieval engine: %w", err)
	}

	var learner *learn.Pipeline
	var observer *learn.Observer
	if cfg.Learning.Enabled {
		learner, err = learn.NewPipeline(db, client, profiles, learn.Options{
			QueueSize:     cfg.Learning.QueueSize,
			MinConfidence: cfg.Learning.MinConfidence,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("init learning pipeline: %w", err)
		}
		observer, err = learn.NewObserver(db, client, profiles, cfg.Learning.MinConfidence, log)
		if err != nil {
			return nil, fmt.Errorf("init behavior observer: %w", err)
		}
	}

	s := &Service{
		cfg:           cfg,
		log:           log,
		db:            db,
		sanitizer:     sanitize.New(cfg.Privacy.BlockedKeywords, cfg.Privacy.MaxRedactions),
		firewall:      firewall.New(log),
		policy:        policy.NewEngine(cfg.Policy.AllowedDomains, cfg.Policy.RestrictedDomains, cfg.Policy.BlockedDomains, cfg.Policy.RequireConfirmationServices, log),
		confirmations: confirmations,
		profiles:      profiles,
		sessions:      sessions,
		auditLog:      auditLog,
		engine:        engine,
		client:        client,
		assembler:     assemble.New(assemble.FromTotal(cfg.Budget.TotalTokens), log),
		learner:       learner,
		observer:      observer,
		reindexer:     index.NewReindexer(engine, states, profiles, log),
		states:        states,
		caller:        caller,
		gron:          *gronx.New(),
		stopCh:        make(chan struct{}),
	}
	return s, nil
}

// Start launches the learner worker and the maintenance loop.
func (s *Service) Start() {
	if s.learner != nil {
		s.learner.Start()
	}
	s.wg.Add(1)
	go s.maintenanceLoop()
	s.log.Info("assistant started",
		zap.String("model", s.cfg.LLM.Model),
		zap.String("database", s.cfg.DatabasePath()))
}

// Close stops background work and releases the database.
func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.learner != nil {
		s.learner.Stop()
	}
	return s.db.Close()
}

// maintenanceLoop sweeps expired confirmations on every tick and fires
// the cron jobs at most once per due minute: confidence decay, full
// reindex, state sampling and routine detection.
func (s *Service) maintenanceLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.Maintenance.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := time.Duration(s.cfg.Policy.ConfirmationTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDecay, lastReindex, lastObserve, lastPattern time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if n, err := s.confirmations.SweepExpired(timeout); err != nil {
				s.log.Warn("confirmation sweep failed", zap.Error(err))
			} else if n > 0 {
				s.log.Info("expired pending confirmations", zap.Int("count", n))
			}

			minute := now.Truncate(time.Minute)
			if s.cronDue(s.cfg.Maintenance.DecayCron, now) && !minute.Equal(lastDecay) {
				lastDecay = minute
				if n, err := s.profiles.Decay(s.cfg.Learning.DecayFactor); err != nil {
					s.log.Warn("profile decay failed", zap.Error(err))
				} else {
					s.log.Info("profile confidence decayed", zap.Int("entries", n))
				}
			}
			if s.cronDue(s.cfg.Maintenance.ReindexCron, now) && !minute.Equal(lastReindex) {
				lastReindex = minute
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				if _, err := s.Reindex(ctx); err != nil {
					s.log.Warn("scheduled reindex failed", zap.Error(err))
				}
				cancel()
			}
			if s.observer != nil && s.states != nil &&
				s.cronDue(s.cfg.Maintenance.ObserveCron, now) && !minute.Equal(lastObserve) {
				lastObserve = minute
				s.sampleStates()
			}
			if s.observer != nil &&
				s.cronDue(s.cfg.Maintenance.PatternCron, now) && !minute.Equal(lastPattern) {
				lastPattern = minute
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if n, err := s.observer.DetectPatterns(ctx); err != nil {
					s.log.Warn("routine detection failed", zap.Error(err))
				} else if n > 0 {
					s.log.Info("observed routines recorded", zap.Int("count", n))
				}
				cancel()
			}
		}
	}
}

// sampleStates logs one snapshot of the observed domains for later
// routine detection.
func (s *Service) sampleStates() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	states, err := s.states.States(ctx)
	if err != nil {
		s.log.Warn("state sampling failed", zap.Error(err))
		return
	}
	if _, err := s.observer.Sample(states); err != nil {
		s.log.Warn("observation write failed", zap.Error(err))
	}
}

func (s *Service) cronDue(expr string, at time.Time) bool {
	if expr == "" {
		return false
	}
	due, err := s.gron.IsDue(expr, at)
	if err != nil {
		s.log.Warn("bad cron expression", zap.String("expr", expr), zap.Error(err))
		return false
	}
	return due
}

// Reindex rebuilds the retrieval store from the entity registry and
// the profile. Returns per-source document counts.
func (s *Service) Reindex(ctx context.Context) (map[string]int, error) {
	if s.states == nil {
		return nil, fmt.Errorf("no state provider connected")
	}
	return s.reindexer.FullReindex(ctx)
}

// ClearProfile removes learned entries, all of them when category is
// empty.
func (s *Service) ClearProfile(category string) (int, error) {
	return s.profiles.Clear(category)
}

// ClearHistory drops stored conversation turns for a chat.
func (s *Service) ClearHistory(chatID string) (int, error) {
	return s.sessions.ClearHistory(chatID)
}

// RecentSearchLog returns the latest audit records, newest first.
func (s *Service) RecentSearchLog(limit int) ([]audit.Record, error) {
	return s.auditLog.Recent(limit)
}

// ConfirmationHistory returns resolved and pending confirmations,
// newest first.
func (s *Service) ConfirmationHistory(limit int) ([]policy.Confirmation, error) {
	return s.confirmations.History(limit)
}

// ProfileEntries lists stored profile entries for inspection.
func (s *Service) ProfileEntries(category string) ([]profile.Entry, error) {
	return s.profiles.GetAll(category, 0)
}

// SetProfileEntry records an entry the user stated directly.
func (s *Service) SetProfileEntry(category, key, value string) (*profile.Entry, error) {
	return s.profiles.Upsert(category, key, value, 1.0, profile.SensitivityPrivate, profile.SourceTold)
}

// DeleteProfileEntry removes one entry.
func (s *Service) DeleteProfileEntry(category, key string) (bool, error) {
	return s.profiles.Delete(category, key)
}
