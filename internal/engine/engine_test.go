package engine_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"taskledger/internal/backfill"
	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/internal/domain"
	"taskledger/internal/engine"
	"taskledger/internal/ledger"
	"taskledger/internal/migrate"
	"taskledger/internal/repo"
)

type noLedger struct{}

func (noLedger) ListProgramSignatures(context.Context, string, ledger.SignatureOptions) ([]ledger.SignatureInfo, error) {
	return nil, nil
}

func (noLedger) GetTransaction(context.Context, string) (*ledger.Transaction, error) {
	return nil, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "engine.db")
	for _, m := range mutate {
		m(cfg)
	}
	conn, err := db.Open(cfg.Database)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn, cfg.Database.Driver); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Engine: engine.New(conn, cfg, engine.Deps{Ledger: noLedger{}}), Ctx: ctx}
}

func seed(t *testing.T, env testEnv, events ...domain.RawEvent) {
	t.Helper()
	if _, err := env.Engine.Repo.IngestEvents(env.Ctx, events); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func ev(sig, name, task string, bt int64, data ...string) domain.RawEvent {
	m := map[string]string{"task": task}
	for i := 0; i+1 < len(data); i += 2 {
		m[data[i]] = data[i+1]
	}
	return domain.NewRawEvent(sig, uint64(bt), bt, name, m)
}

func TestRebuildAndHistory(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env,
		ev("a1", domain.EventTaskCreated, "T1", 100, "creator", "C1", "bounty_lamports", "500"),
		ev("a2", domain.EventTaskClaimed, "T1", 110, "agent", "A1"),
		ev("a3", domain.EventTaskSettled, "T1", 120, "agent", "A1", "payout_lamports", "490", "fee_lamports", "10"),
		ev("b1", domain.EventTaskCreated, "T2", 105, "creator", "C2"),
		ev("b2", domain.EventTaskCancelled, "T2", 130, "creator", "C2", "refunded_lamports", "300"),
		ev("c1", domain.EventTaskCreated, "T3", 140, "creator", "C1"),
	)
	res, err := env.Engine.Rebuild(env.Ctx)
	if err != nil || res.Tasks != 2 {
		t.Fatalf("rebuild: %+v err=%v", res, err)
	}

	page, err := env.Engine.History(env.Ctx, repo.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 2 || page.Limit != 50 || len(page.Tasks) != 2 || page.Tasks[0].Address != "T2" {
		t.Fatalf("unexpected page: %+v", page)
	}
	page, err = env.Engine.History(env.Ctx, repo.HistoryFilter{Status: domain.StatusApproved})
	if err != nil || page.Total != 1 || page.Tasks[0].PayoutLamports != "490" {
		t.Fatalf("approved filter: %+v err=%v", page, err)
	}
	_, err = env.Engine.History(env.Ctx, repo.HistoryFilter{Status: "Open"})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}

	detail, err := env.Engine.HistoryTask(env.Ctx, "T1")
	if err != nil {
		t.Fatalf("history task: %v", err)
	}
	if detail.Task.FinalStatus != domain.StatusApproved || len(detail.Events) != 3 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if _, err := env.Engine.HistoryTask(env.Ctx, "T3"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("open task should not be in history: %v", err)
	}

	stats, err := env.Engine.Stats(env.Ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 6 || stats.TotalHistoricalTasks != 2 || stats.ApprovedCount != 1 || stats.CancelledCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.WebhookConfigured {
		t.Fatalf("webhook should be open without a secret")
	}
}

func TestDescriptions(t *testing.T) {
	env := newTestEnv(t)
	content := "Review the escrow program"
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	task := "T9"

	saved, err := env.Engine.StoreDescription(env.Ctx, domain.TaskDescription{
		DescriptionHash: strings.ToUpper(hash),
		Content:         content,
		TaskAddress:     &task,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if saved.DescriptionHash != hash || saved.TaskAddress == nil || *saved.TaskAddress != task {
		t.Fatalf("unexpected saved description: %+v", saved)
	}
	got, err := env.Engine.Description(env.Ctx, hash)
	if err != nil || got.Content != content {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	cases := []domain.TaskDescription{
		{DescriptionHash: "abc", Content: content},
		{DescriptionHash: strings.Repeat("z", 64), Content: content},
		{DescriptionHash: hash},
		{DescriptionHash: strings.Repeat("0", 64), Content: content},
	}
	for _, c := range cases {
		var verr engine.ValidationError
		if _, err := env.Engine.StoreDescription(env.Ctx, c); !errors.As(err, &verr) {
			t.Fatalf("expected validation error for %+v, got %v", c, err)
		}
	}
	if _, err := env.Engine.Description(env.Ctx, strings.Repeat("1", 64)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeliverables(t *testing.T) {
	env := newTestEnv(t)
	content := "Audit report v1"
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	agent := "A1"

	saved, err := env.Engine.StoreDeliverable(env.Ctx, domain.Deliverable{
		DeliverableHash: " " + strings.ToUpper(hash),
		Content:         content,
		Agent:           &agent,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if saved.DeliverableHash != hash || saved.Agent == nil || *saved.Agent != agent || saved.TaskAddress != nil {
		t.Fatalf("unexpected saved deliverable: %+v", saved)
	}
	got, err := env.Engine.Deliverable(env.Ctx, strings.ToUpper(hash))
	if err != nil || got.Content != content {
		t.Fatalf("get: %+v err=%v", got, err)
	}

	oversized := strings.Repeat("x", 64*1024+1)
	big := sha256.Sum256([]byte(oversized))
	cases := []domain.Deliverable{
		{DeliverableHash: "abc", Content: content},
		{DeliverableHash: hash},
		{DeliverableHash: strings.Repeat("0", 64), Content: content},
		{DeliverableHash: hex.EncodeToString(big[:]), Content: oversized},
	}
	for _, c := range cases {
		var verr engine.ValidationError
		if _, err := env.Engine.StoreDeliverable(env.Ctx, c); !errors.As(err, &verr) {
			t.Fatalf("expected validation error for hash %q, got %v", c.DeliverableHash, err)
		}
	}
	var verr engine.ValidationError
	if _, err := env.Engine.Deliverable(env.Ctx, "nothex"); !errors.As(err, &verr) || verr.Field != "deliverableHash" {
		t.Fatalf("expected deliverableHash validation error, got %v", err)
	}
	if _, err := env.Engine.Deliverable(env.Ctx, strings.Repeat("1", 64)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWebhookWiring(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Webhook.Secret = "hook"
		c.Webhook.RebuildOnTerminal = true
	})
	if env.Engine.Receiver.Rebuilder == nil || !env.Engine.Receiver.Configured() {
		t.Fatalf("receiver not wired from config")
	}
	if _, err := env.Engine.ReceiveWebhook(env.Ctx, []byte("[]")); err != nil {
		t.Fatalf("empty delivery: %v", err)
	}
	stats, err := env.Engine.Stats(env.Ctx)
	if err != nil || !stats.WebhookConfigured {
		t.Fatalf("stats: %+v err=%v", stats, err)
	}
}

func TestBackfillWithEmptyLedger(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Backfill(env.Ctx, backfill.Options{Limit: 10})
	if err != nil || res.SignaturesScanned != 0 || res.Errors != 0 {
		t.Fatalf("backfill: %+v err=%v", res, err)
	}
}
