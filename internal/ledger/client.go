package ledger

import "context"

// Client reads program history from the ledger.
type Client interface {
	// ListProgramSignatures pages newest-first through signatures that touch
	// programID, starting before opts.Before when set.
	ListProgramSignatures(ctx context.Context, programID string, opts SignatureOptions) ([]SignatureInfo, error)
	// GetTransaction returns nil, nil when the node does not know signature.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)
}

type SignatureOptions struct {
	Limit  int
	Before string
}
