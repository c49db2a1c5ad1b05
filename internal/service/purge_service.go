package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unipermit/unipermit-api/internal/lifecycle"
	"github.com/unipermit/unipermit-api/internal/models"
	"github.com/unipermit/unipermit-api/pkg/jobs"
)

const purgeJobType = "permission_expiry_purge"

type expiredDeleter interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type jobQueue interface {
	TryEnqueue(job jobs.Job) error
}

// PurgeConfig tunes the expiry purger.
type PurgeConfig struct {
	Interval time.Duration
}

// ExpiryPurger physically removes aged-out SUBMITTED requests in the
// background. Reads filter expired rows on their own, so a purge that lags or
// fails never makes an expired request visible.
type ExpiryPurger struct {
	store   expiredDeleter
	audit   auditWriter
	cache   *CacheService
	metrics *MetricsService
	engine  lifecycle.Engine
	logger  *zap.Logger
	cfg     PurgeConfig
	queue   jobQueue
	now     func() time.Time
}

// NewExpiryPurger constructs the purger. Attach a queue with UseQueue before Run.
func NewExpiryPurger(store expiredDeleter, audit auditWriter, cache *CacheService, metrics *MetricsService, engine lifecycle.Engine, logger *zap.Logger, cfg PurgeConfig) *ExpiryPurger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &ExpiryPurger{
		store:   store,
		audit:   audit,
		cache:   cache,
		metrics: metrics,
		engine:  engine,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// UseQueue routes scheduled purges through the worker queue so failures are retried.
func (p *ExpiryPurger) UseQueue(queue jobQueue) {
	p.queue = queue
}

// Handle is the jobs.Handler for purge jobs.
func (p *ExpiryPurger) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != purgeJobType {
		return fmt.Errorf("unexpected job type %s", job.Type)
	}
	_, err := p.Purge(ctx)
	return err
}

// Purge deletes every SUBMITTED request past the expiry threshold.
func (p *ExpiryPurger) Purge(ctx context.Context) (int64, error) {
	now := p.now()
	cutoff := p.engine.Cutoff(now)
	removed, err := p.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge expired permissions: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	p.metrics.RecordExpiredPurge(removed)
	_ = p.cache.Invalidate(ctx, permissionCachePattern)
	p.logger.Info("purged expired permissions", zap.Int64("removed", removed), zap.Time("cutoff", cutoff))
	if p.audit != nil {
		values, _ := json.Marshal(map[string]interface{}{"removed": removed, "cutoff": cutoff.UTC()})
		if err := p.audit.CreateAuditLog(ctx, &models.AuditLog{
			Action:    models.AuditActionExpiryPurge,
			Resource:  "permission",
			NewValues: values,
		}); err != nil {
			p.logger.Warn("failed to record purge audit log", zap.Error(err))
		}
	}
	return removed, nil
}

// Run schedules a purge on every interval until ctx is cancelled.
func (p *ExpiryPurger) Run(ctx context.Context) {
	jobs.Every(ctx, p.cfg.Interval, p.tick)
}

func (p *ExpiryPurger) tick(ctx context.Context) {
	if p.queue == nil {
		if _, err := p.Purge(ctx); err != nil {
			p.logger.Warn("expiry purge failed", zap.Error(err))
		}
		return
	}
	err := p.queue.TryEnqueue(jobs.Job{ID: uuid.NewString(), Type: purgeJobType})
	switch {
	case errors.Is(err, jobs.ErrQueueFull):
		p.logger.Debug("expiry purge already queued")
	case err != nil:
		p.logger.Warn("failed to enqueue expiry purge", zap.Error(err))
	}
}
