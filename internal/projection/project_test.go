package projection

import (
	"testing"

	"taskledger/internal/domain"
)

func ev(sig, name string, blockTime int64, slot uint64, kv ...string) domain.RawEvent {
	data := map[string]string{"task": "T"}
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	return domain.NewRawEvent(sig, slot, blockTime, name, data)
}

func TestProjectApproved(t *testing.T) {
	trail := []domain.RawEvent{
		ev("s3", domain.EventTaskSettled, 300, 30, "agent", "A", "payout_lamports", "900", "fee_lamports", "100"),
		ev("s1", domain.EventTaskCreated, 100, 10, "creator", "C", "task_index", "4", "bounty_lamports", "1000", "deadline", "5000"),
		ev("s2", domain.EventTaskClaimed, 200, 20, "agent", "A", "task_index", "4"),
		ev("s25", domain.EventDeliverableSubmitted, 250, 25, "agent", "A", "deliverable_hash", "dd"),
	}
	got, ok := Project("T", trail, domain.TaskData{Title: "Write docs", DescriptionHash: "hh"})
	if !ok {
		t.Fatalf("expected a summary")
	}
	want := domain.HistoricalTask{
		Address: "T", Title: "Write docs", DescriptionHash: "hh", DeliverableHash: "dd",
		Creator: "C", TaskIndex: "4", BountyLamports: "1000", Deadline: 5000,
		FinalStatus: domain.StatusApproved, Agent: "A", PayoutLamports: "900", FeeLamports: "100", RefundedLamports: "0",
		CreatedAt: 100, ClosedAt: 300,
	}
	if got != want {
		t.Fatalf("mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestProjectOpenTaskHasNoSummary(t *testing.T) {
	trail := []domain.RawEvent{
		ev("s1", domain.EventTaskCreated, 100, 10, "creator", "C"),
		ev("s2", domain.EventTaskClaimed, 200, 20, "agent", "A"),
		ev("s3", domain.EventSubmissionRejected, 210, 21, "agent", "A"),
	}
	if _, ok := Project("T", trail, domain.TaskData{}); ok {
		t.Fatalf("open task must not be summarized")
	}
}

func TestProjectTieBreakOnID(t *testing.T) {
	trail := []domain.RawEvent{
		ev("sig-b", domain.EventTaskExpired, 500, 50, "creator", "C", "refunded_lamports", "7"),
		ev("sig-a", domain.EventTaskCancelled, 500, 50, "creator", "C", "refunded_lamports", "8"),
	}
	for _, order := range [][]domain.RawEvent{trail, {trail[1], trail[0]}} {
		got, _ := Project("T", order, domain.TaskData{})
		if got.FinalStatus != domain.StatusExpired || got.RefundedLamports != "7" {
			t.Fatalf("tie-break depends on order: %+v", got)
		}
	}
	later := append(trail, ev("sig-0", domain.EventTaskCancelled, 500, 51, "creator", "C"))
	if got, _ := Project("T", later, domain.TaskData{}); got.FinalStatus != domain.StatusCancelled {
		t.Fatalf("higher slot must win: %+v", got)
	}
}

func TestProjectFallbacks(t *testing.T) {
	trail := []domain.RawEvent{
		ev("s2", domain.EventTaskClaimed, 200, 20, "agent", "A1"),
		ev("s3", domain.EventTaskClaimed, 250, 25, "agent", "A2", "task_index", "9"),
		ev("s4", domain.EventTaskCancelled, 300, 30, "creator", "C", "refunded_lamports", "1000"),
	}
	got, ok := Project("T", trail, domain.TaskData{Title: "side"})
	if !ok {
		t.Fatalf("expected a summary")
	}
	if got.Creator != "C" || got.CreatedAt != 300 || got.Agent != "A2" || got.TaskIndex != "9" || got.Title != "side" {
		t.Fatalf("fallbacks not applied: %+v", got)
	}
	if got.BountyLamports != "0" || got.PayoutLamports != "0" || got.FeeLamports != "0" || got.RefundedLamports != "1000" {
		t.Fatalf("missing amounts should read as zero: %+v", got)
	}
	settled, _ := Project("T", []domain.RawEvent{
		ev("s9", domain.EventTaskSettled, 400, 40, "agent", "A", "payout_lamports", "5"),
	}, domain.TaskData{})
	if settled.BountyLamports != "0" || settled.RefundedLamports != "0" || settled.FeeLamports != "0" || settled.PayoutLamports != "5" {
		t.Fatalf("missing amounts should read as zero: %+v", settled)
	}
}

func TestProjectLaterBlockTimeWins(t *testing.T) {
	// Slot runs against block time here so only the block time comparison
	// can pick the right terminal event.
	settled := ev("s-late", domain.EventTaskSettled, 900, 10, "agent", "A", "payout_lamports", "450", "fee_lamports", "50")
	expired := ev("s-early", domain.EventTaskExpired, 800, 99, "creator", "C", "refunded_lamports", "500")
	for _, order := range [][]domain.RawEvent{{settled, expired}, {expired, settled}} {
		got, ok := Project("T", order, domain.TaskData{})
		if !ok {
			t.Fatalf("expected a summary")
		}
		if got.FinalStatus != domain.StatusApproved || got.ClosedAt != 900 || got.PayoutLamports != "450" ||
			got.FeeLamports != "50" || got.RefundedLamports != "0" {
			t.Fatalf("later block time should win: %+v", got)
		}
	}
}

func TestProjectDisputeResolved(t *testing.T) {
	trail := []domain.RawEvent{
		ev("s1", domain.EventTaskCreated, 100, 10, "creator", "C"),
		ev("s2", domain.EventTaskClaimed, 150, 15, "agent", "A"),
		ev("s3", domain.EventDisputeResolved, 400, 40, "dispute", "D", "ruling", "1", "total_votes", "3"),
	}
	got, _ := Project("T", trail, domain.TaskData{})
	if got.FinalStatus != domain.StatusDisputeResolved || got.Agent != "A" || got.ClosedAt != 400 {
		t.Fatalf("unexpected dispute summary: %+v", got)
	}
}
