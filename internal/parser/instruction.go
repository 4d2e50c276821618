package parser

import (
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/mr-tron/base58"

	"taskledger/internal/domain"
	"taskledger/internal/ledger"
)

const maxTitleLen = 64

var createTaskDisc = InstructionDiscriminator("create_task")

// ExtractTitlesFromTx decodes the title and description hash of every
// create_task instruction the program executed in tx, keyed by task account.
// Instructions that cannot be decoded are skipped; the returned error joins
// their causes.
func (p Parser) ExtractTitlesFromTx(tx *ledger.Transaction) (map[string]domain.TaskData, error) {
	out := map[string]domain.TaskData{}
	if tx == nil {
		return out, nil
	}
	keys := tx.AccountKeys()
	var errs []error
	for i, ix := range tx.Transaction.Message.Instructions {
		if ix.ProgramIDIndex < 0 || ix.ProgramIDIndex >= len(keys) || keys[ix.ProgramIDIndex] != p.ProgramID {
			continue
		}
		data, err := base58.Decode(ix.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("instruction %d: decode data: %w", i, err))
			continue
		}
		if len(data) < 8 || [8]byte(data[:8]) != createTaskDisc {
			continue
		}
		td, err := decodeCreateTask(data[8:])
		if err != nil {
			errs = append(errs, fmt.Errorf("instruction %d: %w", i, err))
			continue
		}
		if len(ix.Accounts) == 0 || ix.Accounts[0] < 0 || ix.Accounts[0] >= len(keys) {
			errs = append(errs, fmt.Errorf("instruction %d: task account index out of range", i))
			continue
		}
		out[keys[ix.Accounts[0]]] = td
	}
	return out, errors.Join(errs...)
}

// decodeCreateTask reads the leading title and description_hash args.
func decodeCreateTask(args []byte) (domain.TaskData, error) {
	r := &borshReader{buf: args}
	n := r.u32()
	if r.err != nil {
		return domain.TaskData{}, r.err
	}
	if n == 0 || n > maxTitleLen {
		return domain.TaskData{}, fmt.Errorf("title length %d out of range", n)
	}
	title := r.take(int(n))
	hash := r.take(32)
	if r.err != nil {
		return domain.TaskData{}, r.err
	}
	if !utf8.Valid(title) {
		return domain.TaskData{}, errors.New("title is not utf-8")
	}
	return domain.TaskData{Title: string(title), DescriptionHash: hex.EncodeToString(hash)}, nil
}
