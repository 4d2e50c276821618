package parser

import (
	"encoding/base64"
	"strings"

	"taskledger/internal/domain"
)

const dataPrefix = "Program data: "

// Parser decodes events emitted by one program.
type Parser struct {
	ProgramID string
}

func New(programID string) Parser {
	return Parser{ProgramID: programID}
}

// ParseEventsFromLogs decodes the program's events from a transaction's log
// messages. A data line is attributed to the program only while it is the
// innermost active invocation, so events logged by CPI callees are ignored.
// Malformed or unknown payloads are skipped.
func (p Parser) ParseEventsFromLogs(logs []string, signature string, slot uint64, blockTime int64) []domain.RawEvent {
	var out []domain.RawEvent
	var stack []string
	for _, line := range logs {
		if strings.HasPrefix(line, dataPrefix) {
			if len(stack) == 0 || stack[len(stack)-1] != p.ProgramID {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len(dataPrefix):]))
			if err != nil {
				continue
			}
			name, data, err := decodeEvent(raw)
			if err != nil {
				continue
			}
			out = append(out, domain.NewRawEvent(signature, slot, blockTime, name, data))
			continue
		}
		id, verb, ok := invocationLine(line)
		if !ok {
			continue
		}
		switch verb {
		case "invoke":
			stack = append(stack, id)
		case "success", "failed:", "failed":
			stack = popTo(stack, id)
		}
	}
	return out
}

// invocationLine splits "Program <id> <verb> ..." lines.
func invocationLine(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "Program ") {
		return "", "", false
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "", "", false
	}
	switch fields[1] {
	case "log:", "data:", "return:":
		return "", "", false
	}
	return fields[1], fields[2], true
}

// popTo removes the innermost frame for id and anything above it. Truncated
// logs can leave frames unclosed.
func popTo(stack []string, id string) []string {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == id {
			return stack[:i]
		}
	}
	return stack
}
