package domain

// Event names emitted by the task-escrow program.
const (
	EventPlatformInitialized  = "PlatformInitialized"
	EventTaskCreated          = "TaskCreated"
	EventTaskClaimed          = "TaskClaimed"
	EventDeliverableSubmitted = "DeliverableSubmitted"
	EventTaskSettled          = "TaskSettled"
	EventSubmissionRejected   = "SubmissionRejected"
	EventTaskCancelled        = "TaskCancelled"
	EventTaskExpired          = "TaskExpired"
	EventTemplateCreated      = "TemplateCreated"
	EventDisputeOpened        = "DisputeOpened"
	EventVoteCast             = "VoteCast"
	EventDisputeResolved      = "DisputeResolved"
	EventAgentRegistered      = "AgentRegistered"
	EventAgentProfileUpdated  = "AgentProfileUpdated"
)

// Final statuses of a closed task.
const (
	StatusApproved        = "Approved"
	StatusCancelled       = "Cancelled"
	StatusExpired         = "Expired"
	StatusDisputeResolved = "DisputeResolved"
)

// FinalStatuses lists every terminal status in display order.
var FinalStatuses = []string{StatusApproved, StatusCancelled, StatusExpired, StatusDisputeResolved}

var terminalStatus = map[string]string{
	EventTaskSettled:     StatusApproved,
	EventTaskCancelled:   StatusCancelled,
	EventTaskExpired:     StatusExpired,
	EventDisputeResolved: StatusDisputeResolved,
}

// TerminalStatus maps a terminal event name to the final status it produces.
func TerminalStatus(eventName string) (string, bool) {
	s, ok := terminalStatus[eventName]
	return s, ok
}

// IsTerminal reports whether the event permanently closes a task.
func IsTerminal(eventName string) bool {
	_, ok := terminalStatus[eventName]
	return ok
}

// ValidFinalStatus reports whether s is one of the terminal statuses.
func ValidFinalStatus(s string) bool {
	for _, st := range FinalStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// RawEvent is one decoded program event. All numeric and key fields in Data
// are strings.
type RawEvent struct {
	ID          string            `json:"id"`
	Signature   string            `json:"signature"`
	Slot        uint64            `json:"slot"`
	BlockTime   int64             `json:"blockTime"`
	EventName   string            `json:"eventName"`
	Data        map[string]string `json:"data"`
	TaskAddress string            `json:"taskAddress,omitempty"`
}

// EventID returns the dedup identity of an event within a transaction.
func EventID(signature, eventName string) string {
	return signature + ":" + eventName
}

// NewRawEvent builds a RawEvent with its dedup id and task address filled in.
func NewRawEvent(signature string, slot uint64, blockTime int64, eventName string, data map[string]string) RawEvent {
	return RawEvent{
		ID:          EventID(signature, eventName),
		Signature:   signature,
		Slot:        slot,
		BlockTime:   blockTime,
		EventName:   eventName,
		Data:        data,
		TaskAddress: data["task"],
	}
}

// After reports whether e sorts after o in ledger order: blockTime, then
// slot, then id.
func (e RawEvent) After(o RawEvent) bool {
	if e.BlockTime != o.BlockTime {
		return e.BlockTime > o.BlockTime
	}
	if e.Slot != o.Slot {
		return e.Slot > o.Slot
	}
	return e.ID > o.ID
}

// HistoricalTask summarizes a task that reached a terminal outcome.
type HistoricalTask struct {
	Address          string `json:"address"`
	Title            string `json:"title"`
	DescriptionHash  string `json:"descriptionHash"`
	DeliverableHash  string `json:"deliverableHash"`
	Creator          string `json:"creator"`
	TaskIndex        string `json:"taskIndex"`
	BountyLamports   string `json:"bountyLamports"`
	Deadline         int64  `json:"deadline"`
	FinalStatus      string `json:"finalStatus" enum:"Approved,Cancelled,Expired,DisputeResolved"`
	Agent            string `json:"agent"`
	PayoutLamports   string `json:"payoutLamports"`
	FeeLamports      string `json:"feeLamports"`
	RefundedLamports string `json:"refundedLamports"`
	CreatedAt        int64  `json:"createdAt"`
	ClosedAt         int64  `json:"closedAt"`
	UpdatedAt        string `json:"updatedAt,omitempty" format:"date-time"`
}

// TaskData is title side data recovered from a create_task instruction.
type TaskData struct {
	Title           string `json:"title"`
	DescriptionHash string `json:"descriptionHash"`
}

// TaskDescription is content-addressed description text.
type TaskDescription struct {
	DescriptionHash string  `json:"descriptionHash"`
	Content         string  `json:"content"`
	TaskAddress     *string `json:"taskAddress"`
	Creator         *string `json:"creator"`
}

// Deliverable is content-addressed text an agent submitted as work. Its hash
// is the one carried by DeliverableSubmitted.
type Deliverable struct {
	DeliverableHash string  `json:"deliverableHash"`
	Content         string  `json:"content"`
	TaskAddress     *string `json:"taskAddress"`
	Agent           *string `json:"agent"`
}

// IndexerStats aggregates the event log and projection.
type IndexerStats struct {
	TotalEvents          int            `json:"totalEvents"`
	TotalHistoricalTasks int            `json:"totalHistoricalTasks"`
	ByStatus             map[string]int `json:"byStatus"`
	LastEventTime        *int64         `json:"lastEventTime"`
	ApprovedCount        int            `json:"approvedCount"`
	CancelledCount       int            `json:"cancelledCount"`
	ExpiredCount         int            `json:"expiredCount"`
	DisputeResolvedCount int            `json:"disputeResolvedCount"`
}
