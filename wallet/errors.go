package wallet

import (
	"fmt"
)

// ErrCode is a machine-readable error class callers can branch on
// without string-matching.
type ErrCode string

const (
	// wallet-level
	CodeMintUnreachable ErrCode = "MINT_UNREACHABLE"
	CodeLoadFailed      ErrCode = "LOAD_FAILED"
	CodeSaveFailed      ErrCode = "SAVE_FAILED"
	CodeInvalidToken    ErrCode = "INVALID_TOKEN"
	CodeMintMismatch    ErrCode = "MINT_MISMATCH"
	CodeReceiveFailed   ErrCode = "RECEIVE_FAILED"

	// token creation
	CodeInsufficientBalance ErrCode = "INSUFFICIENT_BALANCE"
	CodeSelectionFailed     ErrCode = "SELECTION_FAILED"
	CodeInvalidAmount       ErrCode = "INVALID_AMOUNT"
	CodeWalletNotLoaded     ErrCode = "WALLET_NOT_LOADED"
	CodeSwapFailed          ErrCode = "SWAP_FAILED"

	// mint protocol
	CodeQuoteNotPaid        ErrCode = "QUOTE_NOT_PAID"
	CodeQuoteExpired        ErrCode = "QUOTE_EXPIRED"
	CodeQuoteAlreadyIssued  ErrCode = "QUOTE_ALREADY_ISSUED"
	CodeUnknownKeyset       ErrCode = "UNKNOWN_KEYSET"
	CodeNoActiveKeyset      ErrCode = "NO_ACTIVE_KEYSET"
	CodeBlindingFailure     ErrCode = "BLINDING_FAILURE"
	CodeUnknownDenomination ErrCode = "UNKNOWN_DENOMINATION"
	CodeInvalidPoint        ErrCode = "INVALID_POINT"

	// proof state
	CodeProofSpent     ErrCode = "PROOF_SPENT"
	CodeProofPending   ErrCode = "PROOF_PENDING"
	CodeDuplicateProof ErrCode = "DUPLICATE_PROOF"
)

// Error is the wallet error type: a code for machines, a detail for
// logs and an optional recovery suggestion for the user.
type Error struct {
	Code     ErrCode
	Detail   string
	Recovery string
	wrapped  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func newError(code ErrCode, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

func wrapError(code ErrCode, detail string, err error) *Error {
	if err != nil && detail == "" {
		detail = err.Error()
	}
	return &Error{Code: code, Detail: detail, wrapped: err}
}

// InsufficientBalanceError carries the structured context the UI needs
// to tell the user how far short they are.
type InsufficientBalanceError struct {
	Requested          uint64
	Available          uint64
	DenominationCounts map[uint64]uint
	Suggestion         string
}

func (e *InsufficientBalanceError) Shortfall() uint64 {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: requested %d, available %d", CodeInsufficientBalance, e.Requested, e.Available)
}

// MintMismatchError carries both URLs so the caller can show the user
// which mint the token actually came from.
type MintMismatchError struct {
	WalletMint string
	TokenMint  string
}

func (e *MintMismatchError) Error() string {
	return fmt.Sprintf("%s: wallet uses mint '%s' but token is from '%s'", CodeMintMismatch, e.WalletMint, e.TokenMint)
}

func credits(n uint64) string {
	if n == 1 {
		return "credit"
	}
	return "credits"
}

// UserMessage renders any wallet error as a user-facing sentence. It is
// total over the taxonomy: unknown errors get a generic message.
func UserMessage(err error) string {
	switch e := err.(type) {
	case *InsufficientBalanceError:
		short := e.Shortfall()
		return fmt.Sprintf("Need %d more %s (have %d, need %d)",
			short, credits(short), e.Available, e.Requested)
	case *MintMismatchError:
		return fmt.Sprintf("This token is from a different mint (%s). Your wallet uses %s.",
			e.TokenMint, e.WalletMint)
	case *Error:
		switch e.Code {
		case CodeMintUnreachable:
			return "Could not reach the mint. Check your connection and try again."
		case CodeQuoteNotPaid:
			return "The invoice has not been paid yet."
		case CodeQuoteExpired:
			return "The invoice expired. Request a new one."
		case CodeInvalidToken:
			return "That token could not be read."
		case CodeWalletNotLoaded:
			return "The wallet is not ready yet."
		case CodeProofSpent:
			return "Some credits were already spent elsewhere."
		default:
			if e.Detail != "" {
				return e.Detail
			}
			return "Something went wrong."
		}
	default:
		return "Something went wrong."
	}
}

// ErrorCode extracts the machine-readable code from any wallet error.
func ErrorCode(err error) ErrCode {
	switch e := err.(type) {
	case *InsufficientBalanceError:
		return CodeInsufficientBalance
	case *MintMismatchError:
		return CodeMintMismatch
	case *Error:
		return e.Code
	default:
		return ""
	}
}
