package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"taskledger/internal/backfill"
	"taskledger/internal/config"
	"taskledger/internal/domain"
	"taskledger/internal/ledger"
	"taskledger/internal/metrics"
	"taskledger/internal/parser"
	"taskledger/internal/projection"
	"taskledger/internal/repo"
	"taskledger/internal/webhook"
)

const maxDescriptionBytes = 64 << 10

// Engine wires the indexer's components from one config.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Parser   parser.Parser
	Builder  projection.Builder
	Scanner  backfill.Scanner
	Receiver webhook.Receiver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Deps are the collaborators New would otherwise build from config.
type Deps struct {
	Ledger  ledger.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	client := deps.Ledger
	if client == nil {
		client = ledger.NewRPC(cfg.RPC, deps.Metrics, log.With("component", "ledger"))
	}
	r := repo.New(db, cfg.Database.Driver)
	p := parser.New(cfg.Program.ID)
	b := projection.Builder{Store: r, Logger: log.With("component", "projection"), Metrics: deps.Metrics}
	recv := webhook.Receiver{
		Secret:  cfg.Webhook.Secret,
		Parser:  p,
		Store:   r,
		Logger:  log.With("component", "webhook"),
		Metrics: deps.Metrics,
	}
	if cfg.Webhook.RebuildOnTerminal {
		recv.Rebuilder = b
	}
	return Engine{
		DB:      db,
		Repo:    r,
		Config:  cfg,
		Parser:  p,
		Builder: b,
		Scanner: backfill.Scanner{
			Client:    client,
			Parser:    p,
			Store:     r,
			Projector: b,
			Config:    cfg.Backfill,
			Logger:    log.With("component", "backfill"),
			Metrics:   deps.Metrics,
		},
		Receiver: recv,
		Metrics:  deps.Metrics,
		Logger:   log,
	}
}

// ValidationError rejects caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Stats is the indexer status report.
type Stats struct {
	domain.IndexerStats
	WebhookConfigured bool `json:"webhookConfigured"`
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	s, err := e.Repo.IndexerStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{IndexerStats: s, WebhookConfigured: e.Receiver.Configured()}, nil
}

func (e Engine) RecentEvents(ctx context.Context, limit int) ([]domain.RawEvent, error) {
	return e.Repo.RecentEvents(ctx, limit)
}

func (e Engine) ReceiveWebhook(ctx context.Context, body []byte) (webhook.Result, error) {
	return e.Receiver.Receive(ctx, body)
}

func (e Engine) Backfill(ctx context.Context, opts backfill.Options) (backfill.Result, error) {
	return e.Scanner.Run(ctx, opts)
}

func (e Engine) Rebuild(ctx context.Context) (projection.RebuildResult, error) {
	return e.Builder.Rebuild(ctx)
}

type HistoryPage struct {
	Tasks  []domain.HistoricalTask `json:"tasks"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

func (e Engine) History(ctx context.Context, f repo.HistoryFilter) (HistoryPage, error) {
	if f.Status != "" && !domain.ValidFinalStatus(f.Status) {
		return HistoryPage{}, ValidationError{Field: "status", Reason: "must be one of " + strings.Join(domain.FinalStatuses, ", ")}
	}
	if f.Offset < 0 {
		return HistoryPage{}, ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	f.Limit = repo.ClampHistoryLimit(f.Limit)
	tasks, total, err := e.Repo.QueryHistoricalTasks(ctx, f)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{Tasks: tasks, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// TaskDetail is a closed task with the events it was projected from.
type TaskDetail struct {
	Task   domain.HistoricalTask `json:"task"`
	Events []domain.RawEvent     `json:"events"`
}

func (e Engine) HistoryTask(ctx context.Context, address string) (TaskDetail, error) {
	t, err := e.Repo.GetHistoricalTask(ctx, address)
	if err != nil {
		return TaskDetail{}, err
	}
	events, err := e.Repo.EventsByTask(ctx, address)
	if err != nil {
		return TaskDetail{}, err
	}
	return TaskDetail{Task: t, Events: events}, nil
}

// StoreDescription saves content addressed by its SHA-256 hex digest.
func (e Engine) StoreDescription(ctx context.Context, d domain.TaskDescription) (domain.TaskDescription, error) {
	d.DescriptionHash = strings.ToLower(strings.TrimSpace(d.DescriptionHash))
	if err := checkContent("descriptionHash", d.DescriptionHash, d.Content); err != nil {
		return domain.TaskDescription{}, err
	}
	return e.Repo.StoreDescription(ctx, d)
}

func (e Engine) Description(ctx context.Context, hash string) (domain.TaskDescription, error) {
	hash = strings.ToLower(hash)
	if err := validHash("descriptionHash", hash); err != nil {
		return domain.TaskDescription{}, err
	}
	return e.Repo.GetDescription(ctx, hash)
}

// StoreDeliverable saves deliverable text under the same rules as
// descriptions.
func (e Engine) StoreDeliverable(ctx context.Context, d domain.Deliverable) (domain.Deliverable, error) {
	d.DeliverableHash = strings.ToLower(strings.TrimSpace(d.DeliverableHash))
	if err := checkContent("deliverableHash", d.DeliverableHash, d.Content); err != nil {
		return domain.Deliverable{}, err
	}
	return e.Repo.StoreDeliverable(ctx, d)
}

func (e Engine) Deliverable(ctx context.Context, hash string) (domain.Deliverable, error) {
	hash = strings.ToLower(hash)
	if err := validHash("deliverableHash", hash); err != nil {
		return domain.Deliverable{}, err
	}
	return e.Repo.GetDeliverable(ctx, hash)
}

// checkContent requires non-empty content no larger than
// maxDescriptionBytes whose SHA-256 equals hash.
func checkContent(field, hash, content string) error {
	if err := validHash(field, hash); err != nil {
		return err
	}
	if content == "" {
		return ValidationError{Field: "content", Reason: "required"}
	}
	if len(content) > maxDescriptionBytes {
		return ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", maxDescriptionBytes)}
	}
	sum := sha256.Sum256([]byte(content))
	if hex.EncodeToString(sum[:]) != hash {
		return ValidationError{Field: field, Reason: "does not match sha256 of content"}
	}
	return nil
}

func validHash(field, h string) error {
	if len(h) != 64 {
		return ValidationError{Field: field, Reason: "must be 64 hex characters"}
	}
	if _, err := hex.DecodeString(h); err != nil {
		return ValidationError{Field: field, Reason: "must be 64 hex characters"}
	}
	return nil
}
