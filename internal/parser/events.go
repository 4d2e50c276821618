package parser

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"

	"github.com/mr-tron/base58"

	"taskledger/internal/domain"
)

type fieldKind int

const (
	kindPubkey fieldKind = iota
	kindHash
	kindU8
	kindU16
	kindU64
	kindI64
)

type field struct {
	name string
	kind fieldKind
}

type eventLayout struct {
	name   string
	fields []field
}

var layouts = []eventLayout{
	{domain.EventPlatformInitialized, []field{{"authority", kindPubkey}, {"fee_bps", kindU16}, {"treasury", kindPubkey}}},
	{domain.EventTaskCreated, []field{{"task", kindPubkey}, {"creator", kindPubkey}, {"task_index", kindU64}, {"bounty_lamports", kindU64}, {"deadline", kindI64}}},
	{domain.EventTaskClaimed, []field{{"task", kindPubkey}, {"agent", kindPubkey}, {"task_index", kindU64}}},
	{domain.EventDeliverableSubmitted, []field{{"task", kindPubkey}, {"agent", kindPubkey}, {"deliverable_hash", kindHash}}},
	{domain.EventTaskSettled, []field{{"task", kindPubkey}, {"agent", kindPubkey}, {"payout_lamports", kindU64}, {"fee_lamports", kindU64}}},
	{domain.EventSubmissionRejected, []field{{"task", kindPubkey}, {"agent", kindPubkey}, {"reason_hash", kindHash}}},
	{domain.EventTaskCancelled, []field{{"task", kindPubkey}, {"creator", kindPubkey}, {"refunded_lamports", kindU64}}},
	{domain.EventTaskExpired, []field{{"task", kindPubkey}, {"creator", kindPubkey}, {"refunded_lamports", kindU64}}},
	{domain.EventTemplateCreated, []field{{"template", kindPubkey}, {"creator", kindPubkey}, {"template_index", kindU64}, {"category", kindU8}}},
	{domain.EventDisputeOpened, []field{{"dispute", kindPubkey}, {"task", kindPubkey}, {"initiator", kindPubkey}, {"reason", kindU8}}},
	{domain.EventVoteCast, []field{{"dispute", kindPubkey}, {"voter", kindPubkey}, {"ruling", kindU8}}},
	{domain.EventDisputeResolved, []field{{"dispute", kindPubkey}, {"task", kindPubkey}, {"ruling", kindU8}, {"total_votes", kindU16}}},
	{domain.EventAgentRegistered, []field{{"agent", kindPubkey}, {"profile", kindPubkey}}},
	{domain.EventAgentProfileUpdated, []field{{"agent", kindPubkey}, {"reputation_score", kindI64}, {"tasks_completed", kindU64}}},
}

var byDiscriminator = func() map[[8]byte]eventLayout {
	m := make(map[[8]byte]eventLayout, len(layouts))
	for _, l := range layouts {
		m[EventDiscriminator(l.name)] = l
	}
	return m
}()

// EventDiscriminator returns the 8-byte prefix Anchor writes before an
// event's payload.
func EventDiscriminator(name string) [8]byte {
	return discriminator("event:" + name)
}

// InstructionDiscriminator returns the 8-byte prefix of an instruction's data.
func InstructionDiscriminator(method string) [8]byte {
	return discriminator("global:" + method)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// EventNames lists every event the parser can decode.
func EventNames() []string {
	names := make([]string, 0, len(layouts))
	for _, l := range layouts {
		names = append(names, l.name)
	}
	return names
}

var errShortPayload = errors.New("payload too short")

// decodeEvent matches the discriminator and decodes the Borsh payload.
// Trailing bytes are ignored.
func decodeEvent(raw []byte) (string, map[string]string, error) {
	if len(raw) < 8 {
		return "", nil, errShortPayload
	}
	var disc [8]byte
	copy(disc[:], raw[:8])
	layout, ok := byDiscriminator[disc]
	if !ok {
		return "", nil, errors.New("unknown discriminator")
	}
	r := &borshReader{buf: raw[8:]}
	data := make(map[string]string, len(layout.fields))
	for _, f := range layout.fields {
		data[f.name] = r.read(f.kind)
	}
	if r.err != nil {
		return "", nil, r.err
	}
	return layout.name, data, nil
}

type borshReader struct {
	buf []byte
	off int
	err error
}

func (r *borshReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errShortPayload
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *borshReader) read(kind fieldKind) string {
	switch kind {
	case kindPubkey:
		if b := r.take(32); b != nil {
			return base58.Encode(b)
		}
	case kindHash:
		if b := r.take(32); b != nil {
			return hex.EncodeToString(b)
		}
	case kindU8:
		if b := r.take(1); b != nil {
			return strconv.FormatUint(uint64(b[0]), 10)
		}
	case kindU16:
		if b := r.take(2); b != nil {
			return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(b)), 10)
		}
	case kindU64:
		if b := r.take(8); b != nil {
			return strconv.FormatUint(binary.LittleEndian.Uint64(b), 10)
		}
	case kindI64:
		if b := r.take(8); b != nil {
			return strconv.FormatInt(int64(binary.LittleEndian.Uint64(b)), 10)
		}
	}
	return ""
}

func (r *borshReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}
