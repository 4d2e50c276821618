package ledger

// SignatureInfo is one entry of getSignaturesForAddress.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

// Failed reports whether the transaction failed on chain.
func (s SignatureInfo) Failed() bool {
	return s.Err != nil
}

// Transaction is the getTransaction result in "json" encoding. Helius raw
// webhooks deliver the same shape.
type Transaction struct {
	Slot        uint64   `json:"slot"`
	BlockTime   *int64   `json:"blockTime"`
	Transaction Envelope `json:"transaction"`
	Meta        *Meta    `json:"meta"`
}

type Envelope struct {
	Signatures []string `json:"signatures"`
	Message    Message  `json:"message"`
}

type Message struct {
	AccountKeys  []string      `json:"accountKeys"`
	Instructions []Instruction `json:"instructions"`
}

// Instruction is a compiled instruction; Data is base58.
type Instruction struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
}

type Meta struct {
	Err             any              `json:"err"`
	LogMessages     []string         `json:"logMessages"`
	LoadedAddresses *LoadedAddresses `json:"loadedAddresses"`
}

// LoadedAddresses are the keys resolved from address lookup tables.
type LoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

// Signature returns the first (fee payer) signature.
func (t *Transaction) Signature() string {
	if t == nil || len(t.Transaction.Signatures) == 0 {
		return ""
	}
	return t.Transaction.Signatures[0]
}

func (t *Transaction) Logs() []string {
	if t == nil || t.Meta == nil {
		return nil
	}
	return t.Meta.LogMessages
}

func (t *Transaction) Failed() bool {
	return t != nil && t.Meta != nil && t.Meta.Err != nil
}

// UnixTime returns the block time, or 0 when the node did not report one.
func (t *Transaction) UnixTime() int64 {
	if t == nil || t.BlockTime == nil {
		return 0
	}
	return *t.BlockTime
}

// AccountKeys returns the full key list an instruction's account indexes
// refer to: static keys, then loaded writable, then loaded readonly.
func (t *Transaction) AccountKeys() []string {
	if t == nil {
		return nil
	}
	keys := append([]string{}, t.Transaction.Message.AccountKeys...)
	if t.Meta != nil && t.Meta.LoadedAddresses != nil {
		keys = append(keys, t.Meta.LoadedAddresses.Writable...)
		keys = append(keys, t.Meta.LoadedAddresses.Readonly...)
	}
	return keys
}
