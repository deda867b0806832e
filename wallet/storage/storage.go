// Package storage defines the persistence surface the wallet writes
// through. Implementations must keep saves atomic against concurrent
// reads; the wallet always hands over deep copies.
package storage

import (
	"context"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut04"
	"github.com/tunegate/tunegate/crypto"
)

// PendingEntry is a persisted deferred-debit record: proofs sent for a
// content reference but not yet confirmed spent by the server.
type PendingEntry struct {
	Reference string       `json:"reference"`
	SentAt    int64        `json:"sent_at"`
	Proofs    cashu.Proofs `json:"proofs"`
}

type MintQuote struct {
	QuoteId        string      `json:"quote_id"`
	Mint           string      `json:"mint"`
	Method         string      `json:"method"`
	State          nut04.State `json:"state"`
	Unit           string      `json:"unit"`
	PaymentRequest string      `json:"payment_request"`
	Amount         uint64      `json:"amount"`
	CreatedAt      int64       `json:"created_at"`
	SettledAt      int64       `json:"settled_at"`
	QuoteExpiry    uint64      `json:"quote_expiry"`
}

// HistoryEntry records a wallet-level value movement.
type HistoryEntry struct {
	Direction string `json:"direction"` // "in" or "out"
	Amount    uint64 `json:"amount"`
	Unit      string `json:"unit"`
	Reference string `json:"reference"`
	CreatedAt int64  `json:"created_at"`
}

// PendingMintOp holds the outputs of an issued mint call so that the
// call can be retried with the same outputs after an interruption.
type PendingMintOp struct {
	QuoteId  string                `json:"quote_id"`
	KeysetId string                `json:"keyset_id"`
	Outputs  cashu.BlindedMessages `json:"outputs"`
	Secrets  []string              `json:"secrets"`
	Rs       [][]byte              `json:"rs"`
}

// PendingSwapOp holds the inputs and outputs of an issued swap call.
type PendingSwapOp struct {
	Id       string                `json:"id"`
	KeysetId string                `json:"keyset_id"`
	Inputs   cashu.Proofs          `json:"inputs"`
	Outputs  cashu.BlindedMessages `json:"outputs"`
	Secrets  []string              `json:"secrets"`
	Rs       [][]byte              `json:"rs"`
}

type WalletDB interface {
	SaveProofs(cashu.Proofs) error
	GetProofs() cashu.Proofs
	DeleteProofs([]string) error

	SavePendingEntry(PendingEntry) error
	GetPendingEntries() []PendingEntry
	DeletePendingEntry(reference string) error

	SaveMintQuote(MintQuote) error
	GetMintQuotes() []MintQuote
	GetMintQuoteById(string) *MintQuote

	SavePendingMintOp(PendingMintOp) error
	GetPendingMintOps() []PendingMintOp
	DeletePendingMintOp(quoteId string) error

	SavePendingSwapOp(PendingSwapOp) error
	GetPendingSwapOps() []PendingSwapOp
	DeletePendingSwapOp(id string) error

	SaveKeyset(*crypto.WalletKeyset) error
	GetKeysets() crypto.KeysetsMap

	SaveHistoryEntry(HistoryEntry) error
	GetHistory() []HistoryEntry

	Close() error
}

// RemoteStore mirrors wallet state into a remote backend. The wallet
// treats it as best effort: failures are logged, never fatal.
type RemoteStore interface {
	LoadProofs(ctx context.Context) (cashu.Proofs, error)
	SaveProofs(ctx context.Context, proofs cashu.Proofs) error
	LoadHistory(ctx context.Context) ([]HistoryEntry, error)
	SaveHistory(ctx context.Context, history []HistoryEntry) error
}
