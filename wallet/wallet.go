// Package wallet implements the client-side ecash wallet: a durable
// proof store, the mint protocol to fill it, and the deferred-debit
// discipline that keeps interrupted payments from burning credits.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut03"
	"github.com/tunegate/tunegate/cashu/nuts/nut04"
	"github.com/tunegate/tunegate/crypto"
	"github.com/tunegate/tunegate/wallet/storage"
)

// hydration of the persisted store must finish within this window
const loadTimeout = 5 * time.Second

type Config struct {
	// MintURL is the base URL of the mint (required).
	MintURL string
	// Storage is the persistence adapter (required).
	Storage storage.WalletDB
	// Unit selects which active keyset to pin.
	Unit string
	// Strategy is the proof selection strategy.
	Strategy SelectionStrategy
	// RetryBudget is the number of network retries per mint operation.
	RetryBudget int
	// KeysetRefreshOnUnknownID refreshes keysets once when a signature
	// references an unknown keyset before failing.
	KeysetRefreshOnUnknownID bool
	// Remote optionally mirrors proofs and history to a remote store.
	Remote storage.RemoteStore
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a config with the documented defaults: usd
// unit, smallest-first selection, one retry, keyset refresh enabled.
func DefaultConfig(mintURL string, db storage.WalletDB) Config {
	return Config{
		MintURL:                  mintURL,
		Storage:                  db,
		Unit:                     cashu.USD.String(),
		Strategy:                 SmallestFirst,
		RetryBudget:              1,
		KeysetRefreshOnUnknownID: true,
	}
}

type Wallet struct {
	// mu is the logical mutex over (store, pending map); network round
	// trips happen outside of it.
	mu sync.Mutex

	config  Config
	db      storage.WalletDB
	client  *MintClient
	keysets *keysetCache
	store   *proofStore
	pending *pendingManager
	logger  *slog.Logger

	loaded bool
}

// LoadWallet hydrates the wallet from storage, fetches the mint's
// keysets, restores pending state and runs startup validation.
func LoadWallet(ctx context.Context, config Config) (*Wallet, error) {
	if config.Storage == nil {
		return nil, newError(CodeLoadFailed, "no storage adapter configured")
	}
	mintURL, err := url.Parse(config.MintURL)
	if err != nil || mintURL.Scheme == "" {
		return nil, newError(CodeLoadFailed, fmt.Sprintf("invalid mint url: %v", config.MintURL))
	}
	if config.Unit == "" {
		config.Unit = cashu.USD.String()
	}
	if config.RetryBudget < 0 {
		return nil, newError(CodeLoadFailed, "retry budget cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	w := &Wallet{
		config: config,
		db:     config.Storage,
		client: NewMintClient(config.MintURL, config.RetryBudget),
		logger: config.Logger,
	}
	w.store = newProofStore(w.db, w.logger)
	w.pending = newPendingManager(w)

	// hydrate the persisted store, bounded
	type loadResult struct {
		warning error
		records []storage.PendingEntry
	}
	loadCh := make(chan loadResult, 1)
	go func() {
		warning := w.store.load()
		loadCh <- loadResult{warning: warning, records: w.db.GetPendingEntries()}
	}()

	var pendingRecords []storage.PendingEntry
	select {
	case res := <-loadCh:
		if res.warning != nil {
			w.logger.Warn("wallet storage corrupted, starting from empty store",
				slog.String("error", res.warning.Error()))
		}
		pendingRecords = res.records
	case <-time.After(loadTimeout):
		return nil, newError(CodeLoadFailed, "timed out hydrating wallet storage")
	}

	keysets, err := loadKeysets(ctx, w.client, config.Unit)
	if err != nil {
		return nil, err
	}
	w.keysets = keysets
	for _, keyset := range keysets.keysetsByID {
		keyset := keyset
		w.store.enqueue(func() error { return w.db.SaveKeyset(&keyset) })
	}

	w.mu.Lock()
	toValidate := w.pending.restore(pendingRecords)
	w.mu.Unlock()

	// mid-age entries get one synchronous validation each
	for _, reference := range toValidate {
		w.pending.verifyEntry(reference)
	}

	// heal from proofs spent outside this wallet; non-fatal on error
	if err := w.pending.validateStore(ctx); err != nil {
		w.logger.Warn("startup proof validation failed", slog.String("error", err.Error()))
	}

	w.retryPendingMintOps(ctx)
	w.retryPendingSwapOps(ctx)

	if config.Remote != nil {
		w.mirrorToRemote()
		w.store.subscribeProofs(func() { go w.mirrorRemoteOnce() })
	}

	w.loaded = true
	return w, nil
}

// Close stops recovery timers, drains the persistence queue and closes
// the storage adapter.
func (w *Wallet) Close() error {
	w.mu.Lock()
	w.pending.stopTimers()
	w.mu.Unlock()
	w.store.close()
	return w.db.Close()
}

func (w *Wallet) MintURL() string {
	return w.client.MintURL()
}

func (w *Wallet) Unit() string {
	return w.config.Unit
}

// Balance is the total amount over all proofs, pending included.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.balance()
}

// AvailableBalance is the balance minus all pending proofs.
func (w *Wallet) AvailableBalance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.availableBalance()
}

// PendingBalance is the sum over all pending entries.
func (w *Wallet) PendingBalance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.pendingAmount()
}

// FindExactProof reports whether the store holds a non-pending proof
// with exactly the given denomination.
func (w *Wallet) FindExactProof(amount uint64) (cashu.Proof, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.findExact(amount)
}

// CountExactDenomination counts the non-pending proofs with exactly the
// given denomination.
func (w *Wallet) CountExactDenomination(amount uint64) uint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.countExact(amount)
}

// OnBalanceChange registers a subscriber fired after every durable
// balance mutation.
func (w *Wallet) OnBalanceChange(fn func(balance, available uint64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.subscribeBalance(fn)
}

// OnProofsChange registers a subscriber fired after every durable
// proof-set mutation.
func (w *Wallet) OnProofsChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store.subscribeProofs(fn)
}

// RequestMint creates a mint quote for the given amount. The returned
// quote carries the bolt11 invoice to pay.
func (w *Wallet) RequestMint(ctx context.Context, amount uint64) (*storage.MintQuote, error) {
	if !w.loaded {
		return nil, newError(CodeWalletNotLoaded, "")
	}
	if amount == 0 {
		return nil, newError(CodeInvalidAmount, "mint amount cannot be zero")
	}

	quoteResponse, err := w.client.CreateMintQuote(ctx, nut04.PostMintQuoteBolt11Request{
		Amount: amount,
		Unit:   w.config.Unit,
	})
	if err != nil {
		return nil, err
	}

	// cross-check the invoice against the quoted amount where the
	// unit maps onto it directly
	if bolt11, err := decodepay.Decodepay(quoteResponse.Request); err == nil {
		if w.config.Unit == cashu.Sat.String() && bolt11.MSatoshi != int64(amount)*1000 {
			w.logger.Warn("mint invoice amount does not match quote",
				slog.Uint64("quoted", amount), slog.Int64("invoice_msat", bolt11.MSatoshi))
		}
	}

	quote := storage.MintQuote{
		QuoteId:        quoteResponse.Quote,
		Mint:           w.client.MintURL(),
		Method:         cashu.BOLT11_METHOD,
		State:          quoteResponse.State,
		Unit:           w.config.Unit,
		PaymentRequest: quoteResponse.Request,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
		QuoteExpiry:    quoteResponse.Expiry,
	}
	if err := w.db.SaveMintQuote(quote); err != nil {
		return nil, wrapError(CodeSaveFailed, "could not save mint quote", err)
	}
	return &quote, nil
}

// CheckQuoteState fetches the current state of a quote from the mint.
func (w *Wallet) CheckQuoteState(ctx context.Context, quoteId string) (nut04.State, error) {
	quoteResponse, err := w.client.GetMintQuoteState(ctx, quoteId)
	if err != nil {
		return nut04.Unknown, err
	}
	if quote := w.db.GetMintQuoteById(quoteId); quote != nil && quote.State != quoteResponse.State {
		quote.State = quoteResponse.State
		w.store.enqueue(func() error { return w.db.SaveMintQuote(*quote) })
	}
	return quoteResponse.State, nil
}

// MintTokens redeems a paid quote into fresh proofs. The blinded
// outputs are persisted before the mint call is issued so the call can
// be retried with the same outputs after an interruption.
func (w *Wallet) MintTokens(ctx context.Context, quoteId string) (uint64, error) {
	if !w.loaded {
		return 0, newError(CodeWalletNotLoaded, "")
	}

	quote := w.db.GetMintQuoteById(quoteId)
	if quote == nil {
		return 0, newError(CodeQuoteNotPaid, fmt.Sprintf("unknown quote '%v'", quoteId))
	}
	if quote.State == nut04.Issued {
		return 0, newError(CodeQuoteAlreadyIssued, "quote was already minted against")
	}
	if quote.QuoteExpiry > 0 && uint64(time.Now().Unix()) > quote.QuoteExpiry {
		return 0, newError(CodeQuoteExpired, "mint quote expired")
	}

	state, err := w.CheckQuoteState(ctx, quoteId)
	if err != nil {
		return 0, err
	}
	switch state {
	case nut04.Unpaid:
		return 0, newError(CodeQuoteNotPaid, "quote invoice has not been paid")
	case nut04.Issued:
		return 0, newError(CodeQuoteAlreadyIssued, "quote was already minted against")
	}

	// an interrupted mint call must be retried with the same outputs
	for _, op := range w.db.GetPendingMintOps() {
		if op.QuoteId == quoteId {
			return w.executeMint(ctx, quote, op.Outputs, op.Secrets, deserializeRs(op.Rs))
		}
	}

	activeKeyset := w.keysets.activeKeyset
	blindedMessages, secrets, rs, err := createBlindedMessages(quote.Amount, activeKeyset)
	if err != nil {
		return 0, err
	}

	op := storage.PendingMintOp{
		QuoteId:  quoteId,
		KeysetId: activeKeyset.Id,
		Outputs:  blindedMessages,
		Secrets:  secrets,
		Rs:       serializeRs(rs),
	}
	if err := w.db.SavePendingMintOp(op); err != nil {
		return 0, wrapError(CodeSaveFailed, "could not persist mint outputs", err)
	}

	return w.executeMint(ctx, quote, blindedMessages, secrets, rs)
}

func (w *Wallet) executeMint(ctx context.Context, quote *storage.MintQuote,
	outputs cashu.BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) (uint64, error) {

	mintResponse, err := w.client.MintTokens(ctx, nut04.PostMintBolt11Request{
		Quote:   quote.QuoteId,
		Outputs: outputs,
	})
	if err != nil {
		if cashuErr, ok := err.(cashu.Error); ok {
			// terminal rejection: the outputs will never be signed
			w.store.enqueue(func() error { return w.db.DeletePendingMintOp(quote.QuoteId) })
			switch cashuErr.Code {
			case cashu.MintQuoteRequestNotPaidErrCode:
				return 0, newError(CodeQuoteNotPaid, cashuErr.Detail)
			case cashu.MintQuoteAlreadyIssuedErrCode:
				return 0, newError(CodeQuoteAlreadyIssued, cashuErr.Detail)
			case cashu.MintQuoteExpiredErrCode:
				return 0, newError(CodeQuoteExpired, cashuErr.Detail)
			}
			return 0, cashuErr
		}
		// network failure after issue: the persisted op retries later
		return 0, err
	}

	proofs, err := constructProofs(mintResponse.Signatures, secrets, rs, w.keysetResolver(ctx))
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	err = w.store.add(proofs)
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}

	w.store.enqueue(func() error { return w.db.DeletePendingMintOp(quote.QuoteId) })
	quote.State = nut04.Issued
	quote.SettledAt = time.Now().Unix()
	quoteCopy := *quote
	w.store.enqueue(func() error { return w.db.SaveMintQuote(quoteCopy) })
	w.recordHistory("in", proofs.Amount(), quote.QuoteId)

	w.logger.Info("minted new proofs",
		slog.String("quote", quote.QuoteId), slog.Uint64("amount", proofs.Amount()))
	return proofs.Amount(), nil
}

// retryPendingMintOps replays mint calls that were interrupted after
// their outputs were persisted.
func (w *Wallet) retryPendingMintOps(ctx context.Context) {
	for _, op := range w.db.GetPendingMintOps() {
		quote := w.db.GetMintQuoteById(op.QuoteId)
		if quote == nil {
			quote = &storage.MintQuote{QuoteId: op.QuoteId, Amount: op.Outputs.Amount()}
		}
		rs := deserializeRs(op.Rs)
		if _, err := w.executeMint(ctx, quote, op.Outputs, op.Secrets, rs); err != nil {
			if code := ErrorCode(err); code == CodeQuoteAlreadyIssued || code == CodeQuoteExpired {
				w.logger.Warn("dropping unrecoverable mint operation",
					slog.String("quote", op.QuoteId), slog.String("error", err.Error()))
				quoteId := op.QuoteId
				w.store.enqueue(func() error { return w.db.DeletePendingMintOp(quoteId) })
			} else {
				w.logger.Warn("mint retry failed, keeping operation",
					slog.String("quote", op.QuoteId), slog.String("error", err.Error()))
			}
		}
	}
}

// CreateToken produces a portable token for exactly the given amount,
// swapping through the mint when the store lacks exact denominations.
// The send proofs leave the wallet; change proofs are kept.
func (w *Wallet) CreateToken(ctx context.Context, amount uint64) (string, error) {
	proofs, err := w.takeExactProofs(ctx, amount, false)
	if err != nil {
		return "", err
	}

	token, err := cashu.NewTokenV4(proofs, w.client.MintURL(), w.unit())
	if err != nil {
		return "", wrapError(CodeInvalidToken, "", err)
	}
	serialized, err := token.Serialize()
	if err != nil {
		return "", wrapError(CodeInvalidToken, "", err)
	}

	w.recordHistory("out", amount, "")
	return serialized, nil
}

// PrepareTokenForContent produces an exact-amount token whose proofs
// remain in the store, marked pending under the content reference.
// Settlement is applied later through ResolvePending.
func (w *Wallet) PrepareTokenForContent(ctx context.Context, contentID string, amount uint64) (string, error) {
	proofs, err := w.takeExactProofs(ctx, amount, true)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.pending.markPending(contentID, proofs)
	w.mu.Unlock()

	token, err := cashu.NewTokenV4(proofs, w.client.MintURL(), w.unit())
	if err != nil {
		return "", wrapError(CodeInvalidToken, "", err)
	}
	return token.Serialize()
}

// ResolvePending settles a pending content payment. spent=true removes
// the proofs for good; spent=false frees them for reuse.
func (w *Wallet) ResolvePending(contentID string, spent bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if spent {
		if proofs, ok := w.pending.entryFor(contentID); ok {
			w.recordHistory("out", proofs.Amount(), contentID)
		}
	}
	w.pending.resolve(contentID, spent)
}

// PendingReferences lists the content references with in-flight proofs.
func (w *Wallet) PendingReferences() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := make([]string, 0, len(w.pending.entries))
	for ref := range w.pending.entries {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// takeExactProofs returns proofs summing exactly to amount. keep=true
// leaves them in the store (for deferred debit); keep=false removes
// them (the caller hands them away).
func (w *Wallet) takeExactProofs(ctx context.Context, amount uint64, keep bool) (cashu.Proofs, error) {
	if !w.loaded {
		return nil, newError(CodeWalletNotLoaded, "")
	}
	if amount == 0 {
		return nil, newError(CodeInvalidAmount, "amount cannot be zero")
	}

	w.mu.Lock()
	snapshot := w.store.snapshot()
	w.mu.Unlock()

	if snapshot.Amount() < amount {
		return nil, insufficientBalance(snapshot, amount)
	}

	// an exact subset avoids the swap round trip entirely
	if result, ok := selectExact(snapshot, amount); ok {
		if !keep {
			w.mu.Lock()
			w.store.remove(result.Selected.Secrets())
			w.mu.Unlock()
		}
		return result.Selected, nil
	}

	result, err := SelectProofs(snapshot, amount, w.config.Strategy)
	if err != nil {
		return nil, err
	}

	sendProofs, keepProofs, err := w.swapToExact(ctx, result.Selected, amount)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.store.remove(result.Selected.Secrets())
	addProofs := keepProofs
	if keep {
		addProofs = append(append(cashu.Proofs{}, sendProofs...), keepProofs...)
	}
	err = w.store.add(addProofs)
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return sendProofs, nil
}

// swapToExact burns the inputs at the mint and returns fresh proofs
// partitioned into a send bag summing to target and a keep bag with
// the change.
func (w *Wallet) swapToExact(ctx context.Context, inputs cashu.Proofs, target uint64) (
	send cashu.Proofs, keep cashu.Proofs, err error) {

	total := inputs.Amount()
	if total < target {
		return nil, nil, newError(CodeSwapFailed, "inputs below target amount")
	}
	// inputs summing exactly to target are sent directly
	if total == target {
		return inputs, nil, nil
	}

	activeKeyset := w.keysets.activeKeyset
	sendMessages, sendSecrets, sendRs, err := createBlindedMessages(target, activeKeyset)
	if err != nil {
		return nil, nil, err
	}
	changeMessages, changeSecrets, changeRs, err := createBlindedMessages(total-target, activeKeyset)
	if err != nil {
		return nil, nil, err
	}

	outputs := make(cashu.BlindedMessages, 0, len(sendMessages)+len(changeMessages))
	outputs = append(outputs, sendMessages...)
	outputs = append(outputs, changeMessages...)
	secrets := append(append([]string{}, sendSecrets...), changeSecrets...)
	rs := append(append([]*secp256k1.PrivateKey{}, sendRs...), changeRs...)
	cashu.SortBlindedMessages(outputs, secrets, rs)

	opId, err := cashu.GenerateRandomSecret()
	if err != nil {
		return nil, nil, wrapError(CodeSwapFailed, "", err)
	}
	op := storage.PendingSwapOp{
		Id:       opId,
		KeysetId: activeKeyset.Id,
		Inputs:   inputs,
		Outputs:  outputs,
		Secrets:  secrets,
		Rs:       serializeRs(rs),
	}
	if err := w.db.SavePendingSwapOp(op); err != nil {
		return nil, nil, wrapError(CodeSaveFailed, "could not persist swap operation", err)
	}

	swapResponse, err := w.client.Swap(ctx, nut03.PostSwapRequest{Inputs: inputs, Outputs: outputs})
	if err != nil {
		if cashuErr, ok := err.(cashu.Error); ok {
			w.store.enqueue(func() error { return w.db.DeletePendingSwapOp(opId) })
			if cashuErr.Code == cashu.ProofAlreadyUsedErrCode {
				return nil, nil, w.salvageSpentInputs(ctx, inputs)
			}
			return nil, nil, wrapError(CodeSwapFailed, cashuErr.Detail, cashuErr)
		}
		return nil, nil, err
	}

	proofs, err := constructProofs(swapResponse.Signatures, secrets, rs, w.keysetResolver(ctx))
	if err != nil {
		return nil, nil, err
	}
	w.store.enqueue(func() error { return w.db.DeletePendingSwapOp(opId) })

	return partitionProofs(proofs, target)
}

// partitionProofs splits fresh proofs into a bag summing exactly to
// target and the remainder, matching the two decompositions.
func partitionProofs(proofs cashu.Proofs, target uint64) (send, keep cashu.Proofs, err error) {
	remaining := append(cashu.Proofs{}, proofs...)
	for _, amt := range cashu.AmountSplit(target) {
		found := false
		for i, proof := range remaining {
			if proof.Amount == amt {
				send = append(send, proof)
				remaining = slices.Delete(remaining, i, i+1)
				found = true
				break
			}
		}
		if !found {
			return nil, nil, newError(CodeSwapFailed,
				fmt.Sprintf("mint did not return a proof for denomination %v", amt))
		}
	}
	return send, remaining, nil
}

// salvageSpentInputs consults the mint's state endpoint after a swap
// rejection: spent inputs are removed from the store, valid inputs
// stay usable.
func (w *Wallet) salvageSpentInputs(ctx context.Context, inputs cashu.Proofs) error {
	spentSecrets, err := w.pending.checkSpent(ctx, inputs)
	if err != nil {
		return wrapError(CodeSwapFailed, "could not check proof states after rejected swap", err)
	}

	spent := make([]string, 0, len(spentSecrets))
	for secret := range spentSecrets {
		spent = append(spent, secret)
	}

	w.mu.Lock()
	w.store.remove(spent)
	w.mu.Unlock()

	w.logger.Warn("removed spent inputs after rejected swap", slog.Int("count", len(spent)))
	return newError(CodeProofSpent,
		fmt.Sprintf("%d input proofs were already spent", len(spent)))
}

// retryPendingSwapOps reconciles swap calls that were interrupted
// mid-flight: unspent inputs are re-swapped with the same outputs,
// spent inputs are dropped from the store.
func (w *Wallet) retryPendingSwapOps(ctx context.Context) {
	for _, op := range w.db.GetPendingSwapOps() {
		opId := op.Id
		spentSecrets, err := w.pending.checkSpent(ctx, op.Inputs)
		if err != nil {
			w.logger.Warn("swap retry state check failed, keeping operation",
				slog.String("error", err.Error()))
			continue
		}

		if len(spentSecrets) > 0 {
			// the mint consumed the inputs; the outputs may or may not
			// have been signed, so only clean up our side
			spent := make([]string, 0, len(spentSecrets))
			for secret := range spentSecrets {
				spent = append(spent, secret)
			}
			w.mu.Lock()
			w.store.remove(spent)
			w.mu.Unlock()
			w.store.enqueue(func() error { return w.db.DeletePendingSwapOp(opId) })
			w.logger.Warn("dropped interrupted swap with consumed inputs",
				slog.Int("spent", len(spent)))
			continue
		}

		swapResponse, err := w.client.Swap(ctx, nut03.PostSwapRequest{Inputs: op.Inputs, Outputs: op.Outputs})
		if err != nil {
			w.logger.Warn("swap retry failed, keeping operation", slog.String("error", err.Error()))
			continue
		}
		proofs, err := constructProofs(swapResponse.Signatures, op.Secrets, deserializeRs(op.Rs), w.keysetResolver(ctx))
		if err != nil {
			w.logger.Warn("swap retry unblinding failed", slog.String("error", err.Error()))
			continue
		}

		w.mu.Lock()
		w.store.remove(op.Inputs.Secrets())
		err = w.store.add(proofs)
		w.mu.Unlock()
		if err != nil {
			w.logger.Warn("swap retry store update failed", slog.String("error", err.Error()))
			continue
		}
		w.store.enqueue(func() error { return w.db.DeletePendingSwapOp(opId) })
	}
}

// Receive swaps a foreign token into proofs owned by this wallet. The
// token must come from the wallet's mint.
func (w *Wallet) Receive(ctx context.Context, tokenStr string) (uint64, error) {
	if !w.loaded {
		return 0, newError(CodeWalletNotLoaded, "")
	}

	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return 0, wrapError(CodeInvalidToken, "", err)
	}
	if cashu.NormalizeMintURL(token.Mint()) != cashu.NormalizeMintURL(w.client.MintURL()) {
		return 0, &MintMismatchError{WalletMint: w.client.MintURL(), TokenMint: token.Mint()}
	}

	proofsToSwap := token.Proofs()
	activeKeyset := w.keysets.activeKeyset
	outputs, secrets, rs, err := createBlindedMessages(proofsToSwap.Amount(), activeKeyset)
	if err != nil {
		return 0, err
	}

	swapResponse, err := w.client.Swap(ctx, nut03.PostSwapRequest{Inputs: proofsToSwap, Outputs: outputs})
	if err != nil {
		if cashuErr, ok := err.(cashu.Error); ok && cashuErr.Code == cashu.ProofAlreadyUsedErrCode {
			return 0, newError(CodeProofSpent, "token was already spent")
		}
		return 0, wrapError(CodeReceiveFailed, "", err)
	}

	proofs, err := constructProofs(swapResponse.Signatures, secrets, rs, w.keysetResolver(ctx))
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	err = w.store.add(proofs)
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}

	w.recordHistory("in", proofs.Amount(), "")
	return proofs.Amount(), nil
}

// History returns the recorded wallet transactions.
func (w *Wallet) History() []storage.HistoryEntry {
	return w.db.GetHistory()
}

func (w *Wallet) recordHistory(direction string, amount uint64, reference string) {
	entry := storage.HistoryEntry{
		Direction: direction,
		Amount:    amount,
		Unit:      w.config.Unit,
		Reference: reference,
		CreatedAt: time.Now().Unix(),
	}
	w.store.enqueue(func() error { return w.db.SaveHistoryEntry(entry) })
	if w.config.Remote != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := w.config.Remote.SaveHistory(ctx, []storage.HistoryEntry{entry}); err != nil {
				w.logger.Warn("failed to mirror history entry", slog.String("error", err.Error()))
			}
		}()
	}
}

// keysetResolver resolves the keyset a blind signature references,
// refreshing from the mint once for unknown ids when configured.
func (w *Wallet) keysetResolver(ctx context.Context) func(id string) (crypto.WalletKeyset, error) {
	return func(id string) (crypto.WalletKeyset, error) {
		if keyset, ok := w.keysets.keyset(id); ok && len(keyset.PublicKeys) > 0 {
			return keyset, nil
		}
		if !w.config.KeysetRefreshOnUnknownID {
			return crypto.WalletKeyset{}, newError(CodeUnknownKeyset,
				fmt.Sprintf("signature references unknown keyset '%v'", id))
		}
		keyset, err := w.keysets.fetchKeyset(ctx, w.client, id)
		if err != nil {
			return crypto.WalletKeyset{}, err
		}
		keysetCopy := keyset
		w.store.enqueue(func() error { return w.db.SaveKeyset(&keysetCopy) })
		return keyset, nil
	}
}

// mirrorToRemote merges remote proofs into the local store at load and
// pushes the merged state back.
func (w *Wallet) mirrorToRemote() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	remoteProofs, err := w.config.Remote.LoadProofs(ctx)
	if err != nil {
		w.logger.Warn("failed to load remote proofs", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	for _, proof := range remoteProofs {
		if _, ok := w.store.get(proof.Secret); !ok {
			if err := w.store.add(cashu.Proofs{proof}); err != nil {
				break
			}
		}
	}
	w.mu.Unlock()

	w.mirrorRemoteOnce()
}

// mirrorRemoteOnce pushes the current full proof set to the remote
// store, best effort.
func (w *Wallet) mirrorRemoteOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	w.mu.Lock()
	proofs := w.store.all()
	w.mu.Unlock()

	if err := w.config.Remote.SaveProofs(ctx, proofs); err != nil {
		w.logger.Warn("failed to mirror proofs to remote store", slog.String("error", err.Error()))
	}
}

func (w *Wallet) unit() cashu.Unit {
	unit, err := cashu.UnitFromString(w.config.Unit)
	if err != nil {
		return cashu.USD
	}
	return unit
}

func serializeRs(rs []*secp256k1.PrivateKey) [][]byte {
	out := make([][]byte, len(rs))
	for i, r := range rs {
		out[i] = r.Serialize()
	}
	return out
}

func deserializeRs(raw [][]byte) []*secp256k1.PrivateKey {
	rs := make([]*secp256k1.PrivateKey, len(raw))
	for i, b := range raw {
		rs[i] = crypto.BlindingFactorFromBytes(b)
	}
	return rs
}
