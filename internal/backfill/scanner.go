package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"taskledger/internal/config"
	"taskledger/internal/domain"
	"taskledger/internal/ledger"
	"taskledger/internal/logger"
	"taskledger/internal/metrics"
	"taskledger/internal/parser"
	"taskledger/internal/projection"
)

// Store is where scanned events and recovered titles go.
type Store interface {
	IngestEvents(ctx context.Context, events []domain.RawEvent) (int, error)
	SetTaskData(ctx context.Context, address, title, descriptionHash string) error
}

type Rebuilder interface {
	Rebuild(ctx context.Context) (projection.RebuildResult, error)
}

// Scanner pulls program history from the ledger into the event log.
type Scanner struct {
	Client    ledger.Client
	Parser    parser.Parser
	Store     Store
	Projector Rebuilder
	Config    config.BackfillConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Options struct {
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"`
}

type Result struct {
	RunID               string `json:"runId"`
	SignaturesScanned   int    `json:"signaturesScanned"`
	TransactionsFetched int    `json:"transactionsFetched"`
	EventsParsed        int    `json:"eventsParsed"`
	EventsIngested      int    `json:"eventsIngested"`
	Errors              int    `json:"errors"`
	DurationMs          int64  `json:"durationMs"`
}

type fetched struct {
	tx  *ledger.Transaction
	err error
}

// Run scans up to opts.Limit of the newest signatures before opts.Before,
// ingests their events oldest-first and rebuilds the projection once.
// Fetch failures are counted in Result.Errors; store failures abort the run.
func (s Scanner) Run(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	res := Result{RunID: uuid.NewString()}
	ctx = logger.WithAttrs(ctx, slog.String("run_id", res.RunID))
	log := s.logger()
	limit := s.clampLimit(opts.Limit)

	sigs := s.listSignatures(ctx, limit, opts.Before, &res)
	res.SignaturesScanned = len(sigs)

	ordered := make([]string, 0, len(sigs))
	for i := len(sigs) - 1; i >= 0; i-- {
		if !sigs[i].Failed() {
			ordered = append(ordered, sigs[i].Signature)
		}
	}
	log.InfoContext(ctx, "backfill signatures listed", "scanned", len(sigs), "succeeded", len(ordered), "limit", limit)

	batch := s.Config.Concurrency
	if batch < 1 {
		batch = 20
	}
	for lo := 0; lo < len(ordered); lo += batch {
		hi := min(lo+batch, len(ordered))
		results := s.fetchBatch(ctx, ordered[lo:hi])
		for i, r := range results {
			if r.err != nil {
				res.Errors++
				log.WarnContext(ctx, "backfill fetch failed", "signature", ordered[lo+i], "err", r.err)
				continue
			}
			if err := s.ingest(ctx, r.tx, &res); err != nil {
				return s.finish(ctx, res, start, err)
			}
		}
	}

	if s.Projector != nil {
		if _, err := s.Projector.Rebuild(ctx); err != nil {
			return s.finish(ctx, res, start, fmt.Errorf("rebuild: %w", err))
		}
	}
	return s.finish(ctx, res, start, nil)
}

func (s Scanner) clampLimit(limit int) int {
	def, ceiling := s.Config.DefaultLimit, s.Config.MaxLimit
	if def <= 0 {
		def = 500
	}
	if ceiling <= 0 {
		ceiling = 2000
	}
	if limit <= 0 {
		return def
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}

func (s Scanner) listSignatures(ctx context.Context, limit int, before string, res *Result) []ledger.SignatureInfo {
	pageSize := s.Config.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	var all []ledger.SignatureInfo
	for len(all) < limit {
		want := min(pageSize, limit-len(all))
		page, err := s.Client.ListProgramSignatures(ctx, s.Parser.ProgramID, ledger.SignatureOptions{Limit: want, Before: before})
		if err != nil {
			res.Errors++
			s.logger().WarnContext(ctx, "backfill signature page failed", "before", before, "err", err)
			break
		}
		if len(page) == 0 {
			break
		}
		if len(page) > want {
			page = page[:want]
		}
		all = append(all, page...)
		before = page[len(page)-1].Signature
		if len(page) < want {
			break
		}
	}
	return all
}

// fetchBatch loads the transactions concurrently and settles every call;
// results keep the input order.
func (s Scanner) fetchBatch(ctx context.Context, signatures []string) []fetched {
	out := make([]fetched, len(signatures))
	p := pool.New().WithMaxGoroutines(len(signatures))
	for i, sig := range signatures {
		p.Go(func() {
			tx, err := s.Client.GetTransaction(ctx, sig)
			out[i] = fetched{tx: tx, err: err}
		})
	}
	p.Wait()
	return out
}

func (s Scanner) ingest(ctx context.Context, tx *ledger.Transaction, res *Result) error {
	if tx == nil || len(tx.Logs()) == 0 {
		return nil
	}
	res.TransactionsFetched++
	events := s.Parser.ParseEventsFromLogs(tx.Logs(), tx.Signature(), tx.Slot, tx.UnixTime())
	res.EventsParsed += len(events)
	n, err := s.Store.IngestEvents(ctx, events)
	res.EventsIngested += n
	if err != nil {
		return fmt.Errorf("ingest %s: %w", tx.Signature(), err)
	}
	titles, err := s.Parser.ExtractTitlesFromTx(tx)
	if err != nil {
		s.logger().DebugContext(ctx, "title extraction incomplete", "signature", tx.Signature(), "err", err)
	}
	for addr, td := range titles {
		if err := s.Store.SetTaskData(ctx, addr, td.Title, td.DescriptionHash); err != nil {
			s.logger().WarnContext(ctx, "store task title failed", "task", addr, "err", err)
		}
	}
	return nil
}

func (s Scanner) finish(ctx context.Context, res Result, start time.Time, err error) (Result, error) {
	res.DurationMs = time.Since(start).Milliseconds()
	s.Metrics.Events("backfill", res.EventsParsed, res.EventsIngested)
	if err != nil {
		s.Metrics.Backfill("aborted", res.Errors)
		s.logger().ErrorContext(ctx, "backfill aborted", "err", err, "ingested", res.EventsIngested)
		return res, err
	}
	s.Metrics.Backfill("ok", res.Errors)
	s.logger().InfoContext(ctx, "backfill complete",
		"signatures", res.SignaturesScanned, "fetched", res.TransactionsFetched,
		"parsed", res.EventsParsed, "ingested", res.EventsIngested, "errors", res.Errors, "duration_ms", res.DurationMs)
	return res, nil
}

func (s Scanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
