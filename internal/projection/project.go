package projection

import (
	"strconv"

	"taskledger/internal/domain"
)

// Project derives the closed-task summary for address from its event trail
// and recovered side data. It reports false when the trail holds no
// terminal event. The trail may be in any order.
func Project(address string, trail []domain.RawEvent, side domain.TaskData) (domain.HistoricalTask, bool) {
	var creation, terminal, claim, deliverable *domain.RawEvent
	for i := range trail {
		e := &trail[i]
		switch {
		case e.EventName == domain.EventTaskCreated:
			if creation == nil || creation.After(*e) {
				creation = e
			}
		case domain.IsTerminal(e.EventName):
			if terminal == nil || e.After(*terminal) {
				terminal = e
			}
		case e.EventName == domain.EventTaskClaimed:
			if claim == nil || e.After(*claim) {
				claim = e
			}
		case e.EventName == domain.EventDeliverableSubmitted:
			if deliverable == nil || e.After(*deliverable) {
				deliverable = e
			}
		}
	}
	if terminal == nil {
		return domain.HistoricalTask{}, false
	}

	status, _ := domain.TerminalStatus(terminal.EventName)
	t := domain.HistoricalTask{
		Address:          address,
		FinalStatus:      status,
		Agent:            terminal.Data["agent"],
		PayoutLamports:   lamports(terminal.Data["payout_lamports"]),
		FeeLamports:      lamports(terminal.Data["fee_lamports"]),
		RefundedLamports: lamports(terminal.Data["refunded_lamports"]),
		BountyLamports:   "0",
		ClosedAt:         terminal.BlockTime,
		Creator:          terminal.Data["creator"],
		CreatedAt:        terminal.BlockTime,
		Title:            side.Title,
		DescriptionHash:  side.DescriptionHash,
	}
	if t.Agent == "" && claim != nil {
		t.Agent = claim.Data["agent"]
	}
	if claim != nil {
		t.TaskIndex = claim.Data["task_index"]
	}
	if creation != nil {
		c := creation.Data
		t.Creator = c["creator"]
		t.TaskIndex = c["task_index"]
		t.BountyLamports = lamports(c["bounty_lamports"])
		t.Deadline = parseInt(c["deadline"])
		t.CreatedAt = creation.BlockTime
		if c["title"] != "" {
			t.Title = c["title"]
		}
		if c["description_hash"] != "" {
			t.DescriptionHash = c["description_hash"]
		}
	}
	if deliverable != nil {
		t.DeliverableHash = deliverable.Data["deliverable_hash"]
	}
	return t, true
}

// lamports treats a missing amount as zero.
func lamports(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
