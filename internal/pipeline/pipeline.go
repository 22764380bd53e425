// Package pipeline drives commit records through their three stages:
//
//	RAW -> ANALYZED -> PUSHED
//
// Stages never transition backward. Each stage mutation is a compare-and-set
// in the store, so overlapping invocations (a webhook-triggered run racing a
// periodic sweep) are safe: one writer wins per record, the loser's attempt
// is a no-op. Sweeps re-scan by predicate rather than remembering which jobs
// ran, which makes a crashed stage invocation self-heal on the next tick.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"code-review-service/internal/inference"
	"code-review-service/internal/model"
	"code-review-service/internal/notify"
	"code-review-service/internal/store"
)

const (
	// Number of commit-detail fetches to run in parallel
	fetchConcurrency = 5

	defaultAnalyzeBatchLimit = 50
	defaultNotifyBatchLimit  = 3
)

// Store is the persistence collaborator consumed by the pipeline.
type Store interface {
	UpsertRaw(ctx context.Context, rec model.CommitRecord) (bool, error)
	FindPending(ctx context.Context, stage store.Stage, limit int) ([]model.CommitRecord, error)
	SetAnalysis(ctx context.Context, sha, suggestion string) (bool, error)
	MarkPushed(ctx context.Context, sha string) (bool, error)
	GetRepositoryConfig(ctx context.Context, owner, name string) (model.RepositoryConfig, error)
}

// SourceClient fetches commit details from the source-control API.
type SourceClient interface {
	GetCommitDetail(ctx context.Context, owner, name, sha string) (model.CommitRecord, error)
}

// Analyzer produces review commentary for a rendered prompt.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (inference.Result, error)
}

// Dispatcher formats and delivers per-commit reports.
type Dispatcher interface {
	Format(rec model.CommitRecord) notify.ChatMessage
	Deliver(ctx context.Context, webhookURL string, msg notify.ChatMessage) error
}

// Config carries the pipeline's tuning knobs and single-tenant identity.
type Config struct {
	Owner            string
	Name             string
	NotifyWebhookURL string
	MaxDiffChars     int
	NotifyDelay      time.Duration
	SweepInterval    time.Duration

	// Batch bounds per invocation; callers rely on repeated sweeps to drain
	// a larger backlog over time.
	AnalyzeBatchLimit int
	NotifyBatchLimit  int
}

// Pipeline orchestrates the fetch, analyze and notify stages.
type Pipeline struct {
	store      Store
	source     SourceClient
	analyzer   Analyzer
	dispatcher Dispatcher
	logger     *slog.Logger
	cfg        Config
}

// New creates a Pipeline. Zero batch limits take the defaults.
func New(st Store, src SourceClient, an Analyzer, d Dispatcher, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.AnalyzeBatchLimit <= 0 {
		cfg.AnalyzeBatchLimit = defaultAnalyzeBatchLimit
	}
	if cfg.NotifyBatchLimit <= 0 {
		cfg.NotifyBatchLimit = defaultNotifyBatchLimit
	}
	return &Pipeline{
		store:      st,
		source:     src,
		analyzer:   an,
		dispatcher: d,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start runs the periodic self-healing sweeps until ctx is cancelled. A
// sweep re-invokes Analyze and Notify over whatever records are stuck short
// of their terminal state.
func (p *Pipeline) Start(ctx context.Context) {
	p.logger.Info("Starting pipeline sweeps", "interval", p.cfg.SweepInterval.String())
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	p.sweep(ctx) // Initial sweep picks up anything left over from a previous run

	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-ctx.Done():
			p.logger.Info("Pipeline shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	p.RunAnalyze(ctx)
	p.RunNotify(ctx)
}

// RunFetch retrieves details for every commit in an accepted push event and
// upserts the raw records. Per-commit failures are logged and skipped;
// partial-batch success is fine. At least one newly created record triggers
// an asynchronous analyze run.
func (p *Pipeline) RunFetch(ctx context.Context, event model.Event) {
	logger := p.logger.With("owner", event.Owner, "repo", event.Repo, "branch", event.Branch)
	logger.Info("Fetching commit details", "commits", len(event.Commits))

	var created atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for _, c := range event.Commits {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rec, err := p.source.GetCommitDetail(gctx, event.Owner, event.Repo, c.ID)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Failed to fetch commit detail", "sha", c.ID, "error", err)
				return nil
			}
			if err != nil {
				return nil
			}

			isNew, err := p.store.UpsertRaw(gctx, rec)
			if err != nil {
				logger.Error("Failed to upsert commit record", "sha", rec.SHA, "error", err)
				return nil
			}
			if isNew {
				created.Add(1)
				logger.Info("Commit record created", "sha", rec.ShortSHA())
			} else {
				logger.Debug("Commit record already exists", "sha", rec.ShortSHA())
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	logger.Info("Fetch stage finished", "created", created.Load(), "total", len(event.Commits))
	if created.Load() > 0 {
		go p.RunAnalyze(context.WithoutCancel(ctx))
	}
}

// RunAnalyze processes unanalyzed records up to the batch limit, oldest
// first. A failed analysis leaves the record raw for the next sweep; a lost
// CAS means a concurrent writer already stored a suggestion and counts as
// success without a write. At least one newly analyzed record triggers an
// asynchronous notify run.
func (p *Pipeline) RunAnalyze(ctx context.Context) {
	recs, err := p.store.FindPending(ctx, store.StageUnanalyzed, p.cfg.AnalyzeBatchLimit)
	if err != nil {
		p.logger.Error("Failed to find unanalyzed commits", "error", err)
		return
	}
	if len(recs) == 0 {
		p.logger.Debug("No commits awaiting analysis")
		return
	}
	p.logger.Info("Analyzing commits", "count", len(recs))

	template := p.promptTemplate(ctx)

	analyzed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		logger := p.logger.With("sha", rec.ShortSHA())

		prompt := inference.BuildPrompt(template, rec.CommitMessage, rec.CodeDiff, rec.AuthorName, p.cfg.MaxDiffChars)
		res, err := p.analyzer.Analyze(ctx, prompt)
		if err != nil {
			logger.Error("Analysis failed, record stays raw for next sweep", "error", err)
			continue
		}

		ok, err := p.store.SetAnalysis(ctx, rec.SHA, res.Text)
		if err != nil {
			logger.Error("Failed to store analysis", "error", err)
			continue
		}
		if !ok {
			logger.Debug("Analysis already set by a concurrent writer")
			continue
		}
		analyzed++
		logger.Info("Commit analyzed", "model", res.Model, "eval_count", res.EvalCount, "inference_time", res.TotalDuration.String())
	}

	p.logger.Info("Analyze stage finished", "analyzed", analyzed, "of", len(recs))
	if analyzed > 0 {
		go p.RunNotify(context.WithoutCancel(ctx))
	}
}

// RunNotify delivers reports for analyzed-but-unpushed records, oldest
// first, up to the batch limit, with a fixed delay between successive
// deliveries to respect destination rate limits. A failed delivery leaves
// pushed=false for the next sweep.
func (p *Pipeline) RunNotify(ctx context.Context) {
	recs, err := p.store.FindPending(ctx, store.StageUnpushed, p.cfg.NotifyBatchLimit)
	if err != nil {
		p.logger.Error("Failed to find unpushed commits", "error", err)
		return
	}
	if len(recs) == 0 {
		p.logger.Debug("No commits awaiting notification")
		return
	}
	p.logger.Info("Delivering commit reports", "count", len(recs))

	webhookURL := p.notifyWebhookURL(ctx)

	pushed := 0
	for i, rec := range recs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.NotifyDelay):
			}
		}
		logger := p.logger.With("sha", rec.ShortSHA())

		msg := p.dispatcher.Format(rec)
		if err := p.dispatcher.Deliver(ctx, webhookURL, msg); err != nil {
			logger.Error("Delivery failed, record stays unpushed for next sweep", "error", err)
			continue
		}

		ok, err := p.store.MarkPushed(ctx, rec.SHA)
		if err != nil {
			logger.Error("Failed to mark commit pushed", "error", err)
			continue
		}
		if !ok {
			logger.Debug("Commit already marked pushed by a concurrent writer")
			continue
		}
		pushed++
		logger.Info("Commit report delivered")
	}

	p.logger.Info("Notify stage finished", "pushed", pushed, "of", len(recs))
}

// promptTemplate returns the repository's prompt override, or empty for the
// default template.
func (p *Pipeline) promptTemplate(ctx context.Context) string {
	rc, err := p.store.GetRepositoryConfig(ctx, p.cfg.Owner, p.cfg.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("Failed to load repository config, using default prompt", "error", err)
		}
		return ""
	}
	return rc.PromptTemplate
}

// notifyWebhookURL prefers the repository's configured webhook over the
// process-wide one.
func (p *Pipeline) notifyWebhookURL(ctx context.Context) string {
	rc, err := p.store.GetRepositoryConfig(ctx, p.cfg.Owner, p.cfg.Name)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("Failed to load repository config, using default webhook", "error", err)
		}
		return p.cfg.NotifyWebhookURL
	}
	if rc.NotificationWebhookURL != "" {
		return rc.NotificationWebhookURL
	}
	return p.cfg.NotifyWebhookURL
}
