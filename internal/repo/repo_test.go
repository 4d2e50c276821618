package repo_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/internal/domain"
	"taskledger/internal/migrate"
	"taskledger/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn, config.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, config.DriverSQLite)
}

func ev(sig, name, task string, blockTime int64, slot uint64, extra ...string) domain.RawEvent {
	data := map[string]string{"task": task}
	for i := 0; i+1 < len(extra); i += 2 {
		data[extra[i]] = extra[i+1]
	}
	return domain.NewRawEvent(sig, slot, blockTime, name, data)
}

func TestIngestIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	batch := []domain.RawEvent{
		ev("s1", domain.EventTaskCreated, "T1", 100, 10, "creator", "C"),
		ev("s2", domain.EventTaskClaimed, "T1", 110, 11, "agent", "A"),
		ev("s2", domain.EventTaskClaimed, "T1", 110, 11, "agent", "A"),
	}
	n, err := r.IngestEvents(ctx, batch)
	if err != nil || n != 2 {
		t.Fatalf("first ingest: n=%d err=%v", n, err)
	}
	n, err = r.IngestEvents(ctx, batch)
	if err != nil || n != 0 {
		t.Fatalf("second ingest: n=%d err=%v", n, err)
	}
	stats, err := r.IndexerStats(ctx)
	if err != nil || stats.TotalEvents != 2 {
		t.Fatalf("stats: %+v err=%v", stats, err)
	}
}

func TestRecentEventsOrderAndClamp(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	var batch []domain.RawEvent
	for i := 0; i < 210; i++ {
		batch = append(batch, ev(fmt.Sprintf("s%03d", i), domain.EventVoteCast, "", int64(1000+i), uint64(i)))
	}
	if _, err := r.IngestEvents(ctx, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	events, err := r.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != repo.DefaultEventLimit || events[0].Signature != "s209" {
		t.Fatalf("unexpected default page: len=%d first=%s", len(events), events[0].Signature)
	}
	events, _ = r.RecentEvents(ctx, 1000)
	if len(events) != repo.MaxEventLimit {
		t.Fatalf("limit not clamped: %d", len(events))
	}
	if events[0].TaskAddress != "" {
		t.Fatalf("empty task address should stay empty: %q", events[0].TaskAddress)
	}
}

func TestForEachTaskTrailGroups(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.IngestEvents(ctx, []domain.RawEvent{
		ev("b2", domain.EventTaskSettled, "B", 300, 30),
		ev("a1", domain.EventTaskCreated, "A", 100, 10),
		ev("b1", domain.EventTaskCreated, "B", 200, 20),
		ev("a2", domain.EventTaskCancelled, "A", 150, 15),
		ev("x", domain.EventAgentRegistered, "", 50, 5),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got := map[string][]string{}
	err := r.ForEachTaskTrail(ctx, nil, func(addr string, trail []domain.RawEvent) error {
		for _, e := range trail {
			got[addr] = append(got[addr], e.Signature)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if fmt.Sprint(got["A"]) != "[a1 a2]" || fmt.Sprint(got["B"]) != "[b1 b2]" || len(got) != 2 {
		t.Fatalf("unexpected grouping: %v", got)
	}
	calls := 0
	_ = r.ForEachTaskTrail(ctx, []string{"B"}, func(addr string, _ []domain.RawEvent) error {
		calls++
		if addr != "B" {
			t.Fatalf("unexpected address %s", addr)
		}
		return nil
	})
	if calls != 1 {
		t.Fatalf("expected one filtered trail, got %d", calls)
	}
	if err := r.ForEachTaskTrail(ctx, []string{}, func(string, []domain.RawEvent) error {
		t.Fatalf("empty filter should not scan")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSetTaskDataNeverOverwritesContent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	hash := "ab" + fmt.Sprintf("%062d", 0)
	creator := "C"
	if _, err := r.StoreDescription(ctx, domain.TaskDescription{DescriptionHash: hash, Content: "full text", Creator: &creator}); err != nil {
		t.Fatalf("store: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.SetTaskData(ctx, "T1", "Title", hash); err != nil {
			t.Fatalf("set task data: %v", err)
		}
	}
	d, err := r.GetDescription(ctx, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Content != "full text" || d.TaskAddress == nil || *d.TaskAddress != "T1" || d.Creator == nil {
		t.Fatalf("unexpected description: %+v", d)
	}
	if err := r.SetTaskData(ctx, "T2", "Other", hash); err != nil {
		t.Fatalf("set: %v", err)
	}
	d, _ = r.GetDescription(ctx, hash)
	if *d.TaskAddress != "T1" {
		t.Fatalf("task address overwritten: %s", *d.TaskAddress)
	}
	side, err := r.SideData(ctx, nil)
	if err != nil {
		t.Fatalf("side data: %v", err)
	}
	if side["T1"].Title != "Title" || side["T1"].DescriptionHash != hash || side["T2"].DescriptionHash != "" {
		t.Fatalf("unexpected side data: %+v", side)
	}
	titles, err := r.TaskTitles(ctx, []string{"T2", "T9"})
	if err != nil || len(titles) != 1 || titles["T2"] != "Other" {
		t.Fatalf("titles: %v err=%v", titles, err)
	}
	hashes, err := r.DescriptionHashes(ctx, []string{})
	if err != nil || len(hashes) != 0 {
		t.Fatalf("empty address list should match nothing: %v err=%v", hashes, err)
	}
	if _, err := r.GetDescription(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreDeliverableKeepsKnownFields(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	hash := "cd" + fmt.Sprintf("%062d", 0)
	task, agent := "T1", "A1"
	if _, err := r.StoreDeliverable(ctx, domain.Deliverable{DeliverableHash: hash, Content: "v1", TaskAddress: &task, Agent: &agent}); err != nil {
		t.Fatalf("store: %v", err)
	}
	d, err := r.StoreDeliverable(ctx, domain.Deliverable{DeliverableHash: hash, Content: "v2"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if d.Content != "v2" || d.TaskAddress == nil || *d.TaskAddress != task || d.Agent == nil || *d.Agent != agent {
		t.Fatalf("unexpected deliverable: %+v", d)
	}
	if _, err := r.GetDeliverable(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryQueryAndStats(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	empty, err := r.IndexerStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if empty.TotalEvents != 0 || empty.LastEventTime != nil || empty.TotalHistoricalTasks != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
	tasks := []domain.HistoricalTask{
		{Address: "A", Creator: "C1", Agent: "G1", FinalStatus: domain.StatusApproved, ClosedAt: 300},
		{Address: "B", Creator: "C1", FinalStatus: domain.StatusCancelled, ClosedAt: 200},
		{Address: "C", Creator: "C2", Agent: "G1", FinalStatus: domain.StatusApproved, ClosedAt: 100},
	}
	if err := r.UpsertHistoricalTasks(ctx, tasks); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tasks[1].FinalStatus = domain.StatusExpired
	if err := r.UpsertHistoricalTask(ctx, tasks[1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	page, total, err := r.QueryHistoricalTasks(ctx, repo.HistoryFilter{Agent: "G1", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 2 || len(page) != 1 || page[0].Address != "A" {
		t.Fatalf("unexpected page: total=%d %+v", total, page)
	}
	page, _, _ = r.QueryHistoricalTasks(ctx, repo.HistoryFilter{Agent: "G1", Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].Address != "C" {
		t.Fatalf("unexpected second page: %+v", page)
	}
	b, err := r.GetHistoricalTask(ctx, "B")
	if err != nil || b.FinalStatus != domain.StatusExpired || b.UpdatedAt == "" {
		t.Fatalf("get B: %+v err=%v", b, err)
	}
	if _, err := r.GetHistoricalTask(ctx, "Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	stats, _ := r.IndexerStats(ctx)
	if stats.TotalHistoricalTasks != 3 || stats.ApprovedCount != 2 || stats.ExpiredCount != 1 || stats.CancelledCount != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
