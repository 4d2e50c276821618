package webhook

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mr-tron/base58"

	"taskledger/internal/domain"
	"taskledger/internal/ledger"
	"taskledger/internal/parser"
	"taskledger/internal/projection"
)

const program = "Coxgjx4UMQZPRdDZT9CAdrvt4TMTyUKH79ziJiNFHk8S"

type memStore struct {
	events map[string]domain.RawEvent
	titles map[string]domain.TaskData
	err    error
}

func (m *memStore) IngestEvents(_ context.Context, events []domain.RawEvent) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.events == nil {
		m.events = map[string]domain.RawEvent{}
	}
	n := 0
	for _, e := range events {
		if _, ok := m.events[e.ID]; !ok {
			m.events[e.ID] = e
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetTaskData(_ context.Context, address, title, hash string) error {
	if m.titles == nil {
		m.titles = map[string]domain.TaskData{}
	}
	m.titles[address] = domain.TaskData{Title: title, DescriptionHash: hash}
	return nil
}

type recordingRebuilder struct{ addresses []string }

func (r *recordingRebuilder) RebuildTasks(_ context.Context, addresses ...string) (projection.RebuildResult, error) {
	r.addresses = append(r.addresses, addresses...)
	return projection.RebuildResult{Tasks: len(addresses)}, nil
}

func pubkey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func eventLine(name string, parts ...[]byte) string {
	disc := parser.EventDiscriminator(name)
	buf := append([]byte{}, disc[:]...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return "Program data: " + base64.StdEncoding.EncodeToString(buf)
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func createTaskIx(title string) string {
	disc := parser.InstructionDiscriminator("create_task")
	buf := append([]byte{}, disc[:]...)
	l := make([]byte, 4)
	binary.LittleEndian.PutUint32(l, uint32(len(title)))
	buf = append(append(buf, l...), title...)
	buf = append(buf, pubkey(0xcd)...)
	buf = append(buf, le64(1)...)
	return base58.Encode(buf)
}

func rawDelivery(t *testing.T) []byte {
	t.Helper()
	bt := int64(1700000500)
	task := base58.Encode(pubkey(1))
	tx := ledger.Transaction{
		Slot:      77,
		BlockTime: &bt,
		Transaction: ledger.Envelope{
			Signatures: []string{"sigW"},
			Message: ledger.Message{
				AccountKeys:  []string{"payer", task, program},
				Instructions: []ledger.Instruction{{ProgramIDIndex: 2, Accounts: []int{1, 0}, Data: createTaskIx("Audit")}},
			},
		},
		Meta: &ledger.Meta{LogMessages: []string{
			"Program " + program + " invoke [1]",
			eventLine(domain.EventTaskCreated, pubkey(1), pubkey(2), le64(1), le64(500), le64(9)),
			eventLine(domain.EventTaskCancelled, pubkey(1), pubkey(2), le64(500)),
			"Program " + program + " success",
		}},
	}
	body, err := json.Marshal([]ledger.Transaction{tx})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestAuthorize(t *testing.T) {
	open := Receiver{}
	if !open.Authorize("", "") || open.Configured() {
		t.Fatalf("empty secret must accept all")
	}
	r := Receiver{Secret: "s3cret"}
	cases := []struct {
		header, query string
		ok            bool
	}{
		{"Bearer s3cret", "", true},
		{"bearer s3cret", "", true},
		{"s3cret", "", true},
		{"", "s3cret", true},
		{"Bearer wrong", "s3cret", true},
		{"Bearer wrong", "", false},
		{"", "", false},
		{"", "s3cre", false},
	}
	for _, c := range cases {
		if got := r.Authorize(c.header, c.query); got != c.ok {
			t.Fatalf("Authorize(%q,%q)=%v want %v", c.header, c.query, got, c.ok)
		}
	}
}

func TestReceiveIngestsAndRecordsTitles(t *testing.T) {
	st := &memStore{}
	r := Receiver{Parser: parser.New(program), Store: st}
	body := rawDelivery(t)
	res, err := r.Receive(context.Background(), body)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.Parsed != 2 || res.Ingested != 2 || res.Titles != 1 || res.Rebuilt != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	task := base58.Encode(pubkey(1))
	if st.titles[task].Title != "Audit" {
		t.Fatalf("title not recorded: %+v", st.titles)
	}
	again, err := r.Receive(context.Background(), body)
	if err != nil || again.Parsed != 2 || again.Ingested != 0 {
		t.Fatalf("redelivery: %+v err=%v", again, err)
	}
}

func TestReceiveRebuildsClosedTasksWhenEnabled(t *testing.T) {
	rb := &recordingRebuilder{}
	r := Receiver{Parser: parser.New(program), Store: &memStore{}, Rebuilder: rb}
	res, err := r.Receive(context.Background(), rawDelivery(t))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(rb.addresses) != 1 || rb.addresses[0] != base58.Encode(pubkey(1)) || res.Rebuilt != 1 {
		t.Fatalf("unexpected rebuild: %v %+v", rb.addresses, res)
	}
}

func TestReceiveSkipsRebuildForDuplicateTerminalEvents(t *testing.T) {
	st := &memStore{}
	body := rawDelivery(t)
	plain := Receiver{Parser: parser.New(program), Store: st}
	if _, err := plain.Receive(context.Background(), body); err != nil {
		t.Fatalf("receive: %v", err)
	}
	rb := &recordingRebuilder{}
	r := Receiver{Parser: parser.New(program), Store: st, Rebuilder: rb}
	res, err := r.Receive(context.Background(), body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(rb.addresses) != 0 || res.Rebuilt != 0 || res.Ingested != 0 {
		t.Fatalf("duplicate terminal events should not rebuild: %v %+v", rb.addresses, res)
	}
}

func TestReceiveErrors(t *testing.T) {
	r := Receiver{Parser: parser.New(program), Store: &memStore{}}
	if _, err := r.Receive(context.Background(), []byte("{oops")); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	r.Store = &memStore{err: errors.New("db down")}
	if _, err := r.Receive(context.Background(), rawDelivery(t)); err == nil || errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected store error, got %v", err)
	}
}
