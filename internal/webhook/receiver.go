package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"taskledger/internal/domain"
	"taskledger/internal/metrics"
	"taskledger/internal/parser"
	"taskledger/internal/projection"
)

// ErrMalformedPayload marks a body that is not a transaction or an array of
// transactions.
var ErrMalformedPayload = errors.New("malformed webhook payload")

type Store interface {
	IngestEvents(ctx context.Context, events []domain.RawEvent) (int, error)
	SetTaskData(ctx context.Context, address, title, descriptionHash string) error
}

type TaskRebuilder interface {
	RebuildTasks(ctx context.Context, addresses ...string) (projection.RebuildResult, error)
}

// Receiver ingests push deliveries from the Helius webhook.
type Receiver struct {
	Secret string
	Parser parser.Parser
	Store  Store
	// Rebuilder, when set, reprojects tasks whose terminal events are new.
	Rebuilder TaskRebuilder
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Result struct {
	Transactions int `json:"transactions"`
	Parsed       int `json:"parsed"`
	Ingested     int `json:"ingested"`
	Titles       int `json:"titles"`
	Rebuilt      int `json:"rebuilt"`
}

// Configured reports whether deliveries must authenticate.
func (r Receiver) Configured() bool {
	return r.Secret != ""
}

// Authorize accepts "Bearer <secret>", a bare secret in the Authorization
// header, or the ?token= query value. An unset secret accepts everything.
func (r Receiver) Authorize(authorization, queryToken string) bool {
	if r.Secret == "" {
		return true
	}
	if authorization != "" {
		token := authorization
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
		if constantTimeEqual(token, r.Secret) {
			return true
		}
	}
	return queryToken != "" && constantTimeEqual(queryToken, r.Secret)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Receive parses, ingests and records titles for one delivery.
func (r Receiver) Receive(ctx context.Context, body []byte) (Result, error) {
	txs, err := parser.DecodeHeliusPayload(body)
	if err != nil {
		r.Metrics.Webhook("malformed")
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	res := Result{Transactions: len(txs)}
	events := r.Parser.ParseHeliusTxs(txs)
	res.Parsed = len(events)
	var closed []string
	res.Ingested, closed, err = r.ingest(ctx, events)
	r.Metrics.Events("webhook", res.Parsed, res.Ingested)
	if err != nil {
		r.Metrics.Webhook("error")
		return res, fmt.Errorf("ingest: %w", err)
	}

	for _, tx := range txs {
		if tx.Raw == nil || tx.Failed {
			continue
		}
		titles, err := r.Parser.ExtractTitlesFromTx(tx.Raw)
		if err != nil {
			r.logger().DebugContext(ctx, "title extraction incomplete", "signature", tx.Signature, "err", err)
		}
		for addr, td := range titles {
			if err := r.Store.SetTaskData(ctx, addr, td.Title, td.DescriptionHash); err != nil {
				r.logger().WarnContext(ctx, "store task title failed", "task", addr, "err", err)
				continue
			}
			res.Titles++
		}
	}

	if len(closed) > 0 {
		rb, err := r.Rebuilder.RebuildTasks(ctx, closed...)
		if err != nil {
			r.logger().WarnContext(ctx, "webhook rebuild failed", "tasks", len(closed), "err", err)
		}
		res.Rebuilt = rb.Tasks
	}

	r.Metrics.Webhook("ok")
	r.logger().InfoContext(ctx, "webhook received",
		"transactions", res.Transactions, "parsed", res.Parsed, "ingested", res.Ingested, "titles", res.Titles)
	return res, nil
}

// ingest stores events and, when a Rebuilder is set, returns the tasks whose
// terminal events were new in this delivery. Terminal events go in one at a
// time so duplicates can be told apart.
func (r Receiver) ingest(ctx context.Context, events []domain.RawEvent) (int, []string, error) {
	if r.Rebuilder == nil {
		n, err := r.Store.IngestEvents(ctx, events)
		return n, nil, err
	}
	var rest, terminal []domain.RawEvent
	for _, e := range events {
		if domain.IsTerminal(e.EventName) && e.TaskAddress != "" {
			terminal = append(terminal, e)
		} else {
			rest = append(rest, e)
		}
	}
	total, err := r.Store.IngestEvents(ctx, rest)
	if err != nil {
		return total, nil, err
	}
	var closed []string
	seen := map[string]bool{}
	for _, e := range terminal {
		n, err := r.Store.IngestEvents(ctx, []domain.RawEvent{e})
		if err != nil {
			return total, closed, err
		}
		total += n
		if n > 0 && !seen[e.TaskAddress] {
			seen[e.TaskAddress] = true
			closed = append(closed, e.TaskAddress)
		}
	}
	return total, closed, nil
}

func (r Receiver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
