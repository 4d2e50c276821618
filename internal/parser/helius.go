package parser

import (
	"bytes"
	"encoding/json"
	"fmt"

	"taskledger/internal/domain"
	"taskledger/internal/ledger"
)

// HeliusTx is one transaction of a webhook delivery normalized across the
// raw and enhanced formats. Raw is set only for raw deliveries.
type HeliusTx struct {
	Raw       *ledger.Transaction
	Signature string
	Slot      uint64
	BlockTime int64
	Logs      []string
	Failed    bool
}

type heliusProbe struct {
	Meta      json.RawMessage `json:"meta"`
	Signature string          `json:"signature"`
}

type enhancedTx struct {
	Signature        string `json:"signature"`
	Slot             uint64 `json:"slot"`
	Timestamp        *int64 `json:"timestamp"`
	TransactionError any    `json:"transactionError"`
	Transaction      struct {
		Meta *ledger.Meta `json:"meta"`
	} `json:"transaction"`
}

// DecodeHeliusPayload accepts a single transaction object or an array of
// them. Items in neither shape are dropped.
func DecodeHeliusPayload(body []byte) ([]HeliusTx, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	} else {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("decode payload: invalid json")
		}
		items = []json.RawMessage{trimmed}
	}
	var out []HeliusTx
	for _, item := range items {
		tx, ok := decodeHeliusTx(item)
		if ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func decodeHeliusTx(item json.RawMessage) (HeliusTx, bool) {
	var probe heliusProbe
	if err := json.Unmarshal(item, &probe); err != nil {
		return HeliusTx{}, false
	}
	if len(probe.Meta) > 0 && !bytes.Equal(probe.Meta, []byte("null")) {
		var raw ledger.Transaction
		if err := json.Unmarshal(item, &raw); err == nil && raw.Signature() != "" {
			return HeliusTx{
				Raw:       &raw,
				Signature: raw.Signature(),
				Slot:      raw.Slot,
				BlockTime: raw.UnixTime(),
				Logs:      raw.Logs(),
				Failed:    raw.Failed(),
			}, true
		}
	}
	if probe.Signature == "" {
		return HeliusTx{}, false
	}
	var enh enhancedTx
	if err := json.Unmarshal(item, &enh); err != nil {
		return HeliusTx{}, false
	}
	tx := HeliusTx{
		Signature: enh.Signature,
		Slot:      enh.Slot,
		Failed:    enh.TransactionError != nil,
	}
	if enh.Timestamp != nil {
		tx.BlockTime = *enh.Timestamp
	}
	if enh.Transaction.Meta != nil {
		tx.Logs = enh.Transaction.Meta.LogMessages
		if enh.Transaction.Meta.Err != nil {
			tx.Failed = true
		}
	}
	return tx, true
}

// ParseHeliusTxs decodes the events of successful transactions.
func (p Parser) ParseHeliusTxs(txs []HeliusTx) []domain.RawEvent {
	var out []domain.RawEvent
	for _, tx := range txs {
		if tx.Failed || len(tx.Logs) == 0 {
			continue
		}
		out = append(out, p.ParseEventsFromLogs(tx.Logs, tx.Signature, tx.Slot, tx.BlockTime)...)
	}
	return out
}

// ParseHeliusPayload decodes every event in a webhook body. A body that is
// not JSON yields no events.
func (p Parser) ParseHeliusPayload(body []byte) []domain.RawEvent {
	txs, err := DecodeHeliusPayload(body)
	if err != nil {
		return nil
	}
	return p.ParseHeliusTxs(txs)
}
