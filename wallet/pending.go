package wallet

import (
	"context"
	"log/slog"
	"time"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut07"
	"github.com/tunegate/tunegate/wallet/storage"
)

const (
	// recoveryDelay is how long after sending the manager waits before
	// asking the mint whether the proofs were actually spent.
	recoveryDelay = 60 * time.Second

	// pendingExpiry is the age past which a persisted pending entry is
	// treated as settled: the proofs are almost certainly burned.
	pendingExpiry = 10 * time.Minute
)

// pendingEntry tracks proofs sent for one content reference, awaiting
// settlement confirmation.
type pendingEntry struct {
	reference string
	sentAt    time.Time
	proofs    cashu.Proofs
	verifying bool
	timer     *time.Timer
}

// pendingManager drives the deferred-debit state machine. Proofs stay
// in the store until the server attests settlement; timers reconcile
// against the mint when the confirmation path is lost.
//
// Methods must be called with the wallet mutex held, except the timer
// callback verifyEntry, checkSpent and validateStore, which must be
// called without it.
type pendingManager struct {
	w       *Wallet
	entries map[string]*pendingEntry
}

func newPendingManager(w *Wallet) *pendingManager {
	return &pendingManager{
		w:       w,
		entries: make(map[string]*pendingEntry),
	}
}

// markPending moves the proofs into the pending state under the given
// reference. Secrets already pending under another reference are
// evicted from it first; an entry left empty loses its timer.
func (pm *pendingManager) markPending(reference string, proofs cashu.Proofs) {
	secrets := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		secrets[proof.Secret] = true
	}

	for ref, entry := range pm.entries {
		if ref == reference {
			continue
		}
		kept := entry.proofs[:0:0]
		for _, proof := range entry.proofs {
			if !secrets[proof.Secret] {
				kept = append(kept, proof)
			}
		}
		if len(kept) == len(entry.proofs) {
			continue
		}
		if len(kept) == 0 {
			pm.dropEntry(entry)
			continue
		}
		entry.proofs = kept
		pm.persistEntry(entry)
	}

	// re-marking the same reference replaces its entry
	if existing, ok := pm.entries[reference]; ok {
		pm.w.store.releasePending(existing.proofs.Secrets())
		pm.dropEntry(existing)
	}

	entry := &pendingEntry{
		reference: reference,
		sentAt:    time.Now(),
		proofs:    proofs,
	}
	pm.entries[reference] = entry
	pm.w.store.markPending(proofs.Secrets(), reference)
	pm.persistEntry(entry)
	pm.scheduleTimer(entry, recoveryDelay)
	pm.w.store.notifyPendingChange()
}

// resolve settles a pending reference. spent=true removes the proofs
// from the store; spent=false frees them. An absent reference is a
// no-op.
func (pm *pendingManager) resolve(reference string, spent bool) {
	entry, ok := pm.entries[reference]
	if !ok {
		return
	}

	secrets := entry.proofs.Secrets()
	if spent {
		pm.w.store.remove(secrets)
	} else {
		pm.w.store.releasePending(secrets)
		pm.w.store.notifyPendingChange()
	}
	pm.dropEntry(entry)

	pm.w.logger.Debug("resolved pending entry",
		slog.String("reference", reference), slog.Bool("spent", spent))
}

// entryFor returns the pending proofs for a reference, if any.
func (pm *pendingManager) entryFor(reference string) (cashu.Proofs, bool) {
	entry, ok := pm.entries[reference]
	if !ok {
		return nil, false
	}
	return entry.proofs, true
}

func (pm *pendingManager) pendingAmount() uint64 {
	var total uint64
	for _, entry := range pm.entries {
		total += entry.proofs.Amount()
	}
	return total
}

func (pm *pendingManager) dropEntry(entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	delete(pm.entries, entry.reference)
	reference := entry.reference
	pm.w.store.enqueue(func() error {
		return pm.w.db.DeletePendingEntry(reference)
	})
}

func (pm *pendingManager) persistEntry(entry *pendingEntry) {
	record := storage.PendingEntry{
		Reference: entry.reference,
		SentAt:    entry.sentAt.Unix(),
		Proofs:    append(cashu.Proofs(nil), entry.proofs...),
	}
	pm.w.store.enqueue(func() error {
		return pm.w.db.SavePendingEntry(record)
	})
}

func (pm *pendingManager) scheduleTimer(entry *pendingEntry, delay time.Duration) {
	reference := entry.reference
	entry.timer = time.AfterFunc(delay, func() {
		pm.verifyEntry(reference)
	})
}

// verifyEntry is the timer callback: ask the mint for the state of the
// entry's proofs and settle accordingly. Acquires the wallet mutex
// itself; an absent entry means the reference resolved first.
func (pm *pendingManager) verifyEntry(reference string) {
	pm.w.mu.Lock()
	entry, ok := pm.entries[reference]
	if !ok || entry.verifying {
		pm.w.mu.Unlock()
		return
	}
	entry.verifying = true
	entry.timer = nil
	proofs := append(cashu.Proofs(nil), entry.proofs...)
	pm.w.mu.Unlock()

	spentSecrets, err := pm.checkSpent(context.Background(), proofs)

	pm.w.mu.Lock()
	defer pm.w.mu.Unlock()

	entry, ok = pm.entries[reference]
	if !ok {
		return
	}
	entry.verifying = false

	if err != nil {
		// back to Pending; the next startup validation retries
		pm.w.logger.Warn("pending verification failed",
			slog.String("reference", reference), slog.String("error", err.Error()))
		return
	}

	pm.settleVerified(entry, spentSecrets)
}

// settleVerified applies a checkstate result to an entry: spent secrets
// leave the store, the rest are freed, and the entry is deleted.
func (pm *pendingManager) settleVerified(entry *pendingEntry, spentSecrets map[string]bool) {
	var spent, unspent []string
	for _, proof := range entry.proofs {
		if spentSecrets[proof.Secret] {
			spent = append(spent, proof.Secret)
		} else {
			unspent = append(unspent, proof.Secret)
		}
	}

	if len(spent) > 0 {
		pm.w.store.remove(spent)
	}
	pm.w.store.releasePending(unspent)
	pm.w.store.notifyPendingChange()
	pm.dropEntry(entry)

	pm.w.logger.Info("reconciled pending entry against mint",
		slog.String("reference", entry.reference),
		slog.Int("spent", len(spent)), slog.Int("released", len(unspent)))
}

// checkSpent asks the mint for the state of the given proofs. Returns
// the set of secrets the mint reports spent. Must be called without
// the wallet mutex held.
func (pm *pendingManager) checkSpent(ctx context.Context, proofs cashu.Proofs) (map[string]bool, error) {
	Ys, err := proofYs(proofs)
	if err != nil {
		return nil, err
	}

	stateResponse, err := pm.w.client.CheckProofStates(ctx, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, err
	}

	spent := make(map[string]bool)
	for i, state := range stateResponse.States {
		if i >= len(proofs) {
			break
		}
		if state.State == nut07.Spent {
			spent[proofs[i].Secret] = true
		}
	}
	return spent, nil
}

// restore re-registers persisted pending entries at load time and
// classifies them by age. Entries past expiry settle immediately;
// entries past the recovery delay are returned for synchronous
// validation; fresher entries get a timer for the remainder.
// Must be called with the wallet mutex held.
func (pm *pendingManager) restore(records []storage.PendingEntry) (toValidate []string) {
	now := time.Now()
	for _, record := range records {
		sentAt := time.Unix(record.SentAt, 0)
		age := now.Sub(sentAt)

		if age > pendingExpiry {
			// almost certainly burned; treat as settled
			pm.w.store.remove(record.Proofs.Secrets())
			reference := record.Reference
			pm.w.store.enqueue(func() error {
				return pm.w.db.DeletePendingEntry(reference)
			})
			pm.w.logger.Info("expired pending entry settled at startup",
				slog.String("reference", record.Reference))
			continue
		}

		entry := &pendingEntry{
			reference: record.Reference,
			sentAt:    sentAt,
			proofs:    record.Proofs,
		}
		pm.entries[record.Reference] = entry
		pm.w.store.markPending(record.Proofs.Secrets(), record.Reference)

		if age >= recoveryDelay {
			toValidate = append(toValidate, record.Reference)
		} else {
			pm.scheduleTimer(entry, recoveryDelay-age)
		}
	}
	return toValidate
}

// validateStore runs one batched state check over the non-pending
// portion of the store and removes anything the mint reports spent.
// This heals from tokens copied out of the wallet and spent elsewhere.
// Must be called without the wallet mutex held.
func (pm *pendingManager) validateStore(ctx context.Context) error {
	pm.w.mu.Lock()
	snapshot := pm.w.store.snapshot()
	pm.w.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	spentSecrets, err := pm.checkSpent(ctx, snapshot)
	if err != nil {
		return err
	}
	if len(spentSecrets) == 0 {
		return nil
	}

	secrets := make([]string, 0, len(spentSecrets))
	for secret := range spentSecrets {
		secrets = append(secrets, secret)
	}

	pm.w.mu.Lock()
	pm.w.store.remove(secrets)
	pm.w.mu.Unlock()

	pm.w.logger.Warn("removed externally spent proofs from store",
		slog.Int("count", len(secrets)))
	return nil
}

// stopTimers cancels all recovery timers, e.g. on wallet shutdown.
func (pm *pendingManager) stopTimers() {
	for _, entry := range pm.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}
