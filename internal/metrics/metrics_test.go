package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Events("webhook", 1, 1)
	m.Webhook("ok")
	m.RPC("getTransaction", "200")
	m.RPCRetry("getTransaction")
	m.Backfill("ok", 2)
	m.Rebuild(3, time.Second)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have no registry")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Events("backfill", 5, 3)
	m.Backfill("ok", 1)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`taskledger_events_ingested_total{source="backfill"} 3`,
		`taskledger_backfill_errors_total 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in scrape:\n%s", want, body)
		}
	}
}
