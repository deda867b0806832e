package wallet

import (
	"fmt"
	"log/slog"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/wallet/storage"
)

// proofStore is the authoritative mapping of secrets to proofs plus the
// pending subtable. It exclusively owns proof records; the deferred
// debit manager only holds references by secret.
//
// All methods must be called with the wallet mutex held. Persistence
// happens asynchronously on a single ordered queue so that mutation
// ordering is preserved on disk.
type proofStore struct {
	db     storage.WalletDB
	logger *slog.Logger

	proofs map[string]cashu.Proof
	order  []string
	// secret -> content reference currently holding the proof pending
	pending map[string]string

	persistQueue chan func()
	closed       chan struct{}

	onBalanceChange []func(balance, available uint64)
	onProofsChange  []func()
}

func newProofStore(db storage.WalletDB, logger *slog.Logger) *proofStore {
	store := &proofStore{
		db:           db,
		logger:       logger,
		proofs:       make(map[string]cashu.Proof),
		pending:      make(map[string]string),
		persistQueue: make(chan func(), 64),
		closed:       make(chan struct{}),
	}
	go store.persistLoop()
	return store
}

func (ps *proofStore) persistLoop() {
	for fn := range ps.persistQueue {
		fn()
	}
	close(ps.closed)
}

func (ps *proofStore) close() {
	close(ps.persistQueue)
	<-ps.closed
}

// load populates the store from the adapter. Corrupted state yields an
// empty store and a LoadFailed warning for the caller to decide on.
func (ps *proofStore) load() (warning error) {
	defer func() {
		if r := recover(); r != nil {
			ps.proofs = make(map[string]cashu.Proof)
			ps.order = nil
			warning = newError(CodeLoadFailed, fmt.Sprintf("corrupted proof storage: %v", r))
		}
	}()

	for _, proof := range ps.db.GetProofs() {
		if _, ok := ps.proofs[proof.Secret]; ok {
			continue
		}
		ps.proofs[proof.Secret] = proof
		ps.order = append(ps.order, proof.Secret)
	}
	return nil
}

func (ps *proofStore) balance() uint64 {
	var balance uint64
	for _, proof := range ps.proofs {
		balance += proof.Amount
	}
	return balance
}

func (ps *proofStore) availableBalance() uint64 {
	var balance uint64
	for secret, proof := range ps.proofs {
		if _, isPending := ps.pending[secret]; !isPending {
			balance += proof.Amount
		}
	}
	return balance
}

func (ps *proofStore) add(proofs cashu.Proofs) error {
	for _, proof := range proofs {
		if _, ok := ps.proofs[proof.Secret]; ok {
			return newError(CodeDuplicateProof,
				fmt.Sprintf("proof with secret '%v' already in store", proof.Secret))
		}
	}
	for _, proof := range proofs {
		ps.proofs[proof.Secret] = proof
		ps.order = append(ps.order, proof.Secret)
	}

	toSave := make(cashu.Proofs, len(proofs))
	copy(toSave, proofs)
	ps.persist(func() error { return ps.db.SaveProofs(toSave) })
	return nil
}

// remove deletes all matching proofs. Unknown secrets are ignored so
// settlement can be applied at most once without error plumbing.
func (ps *proofStore) remove(secrets []string) {
	removed := false
	for _, secret := range secrets {
		if _, ok := ps.proofs[secret]; !ok {
			continue
		}
		delete(ps.proofs, secret)
		delete(ps.pending, secret)
		removed = true
	}
	if !removed {
		return
	}

	ps.order = ps.compactOrder()
	toDelete := make([]string, len(secrets))
	copy(toDelete, secrets)
	ps.persist(func() error { return ps.db.DeleteProofs(toDelete) })
}

func (ps *proofStore) compactOrder() []string {
	order := make([]string, 0, len(ps.proofs))
	for _, secret := range ps.order {
		if _, ok := ps.proofs[secret]; ok {
			order = append(order, secret)
		}
	}
	return order
}

// findExact returns the first non-pending proof with that exact amount.
func (ps *proofStore) findExact(amount uint64) (cashu.Proof, bool) {
	for _, secret := range ps.order {
		proof, ok := ps.proofs[secret]
		if !ok {
			continue
		}
		if _, isPending := ps.pending[secret]; isPending {
			continue
		}
		if proof.Amount == amount {
			return proof, true
		}
	}
	return cashu.Proof{}, false
}

func (ps *proofStore) countExact(amount uint64) uint {
	var count uint
	for secret, proof := range ps.proofs {
		if _, isPending := ps.pending[secret]; isPending {
			continue
		}
		if proof.Amount == amount {
			count++
		}
	}
	return count
}

// snapshot returns a copy of all non-pending proofs for the selector.
func (ps *proofStore) snapshot() cashu.Proofs {
	snapshot := make(cashu.Proofs, 0, len(ps.proofs))
	for _, secret := range ps.order {
		proof, ok := ps.proofs[secret]
		if !ok {
			continue
		}
		if _, isPending := ps.pending[secret]; isPending {
			continue
		}
		snapshot = append(snapshot, proof)
	}
	return snapshot
}

// all returns a copy of every proof, pending included.
func (ps *proofStore) all() cashu.Proofs {
	all := make(cashu.Proofs, 0, len(ps.proofs))
	for _, secret := range ps.order {
		if proof, ok := ps.proofs[secret]; ok {
			all = append(all, proof)
		}
	}
	return all
}

func (ps *proofStore) get(secret string) (cashu.Proof, bool) {
	proof, ok := ps.proofs[secret]
	return proof, ok
}

func (ps *proofStore) markPending(secrets []string, reference string) {
	for _, secret := range secrets {
		ps.pending[secret] = reference
	}
}

func (ps *proofStore) releasePending(secrets []string) {
	for _, secret := range secrets {
		delete(ps.pending, secret)
	}
}

// persist enqueues a storage write followed by subscriber
// notifications; subscribers only see durable state.
func (ps *proofStore) persist(save func() error) {
	balance := ps.balance()
	available := ps.availableBalance()
	balanceSubs := ps.onBalanceChange
	proofSubs := ps.onProofsChange

	ps.persistQueue <- func() {
		if err := save(); err != nil {
			ps.logger.Warn("failed to persist proof store mutation", slog.String("error", err.Error()))
		}
		for _, fn := range balanceSubs {
			fn(balance, available)
		}
		for _, fn := range proofSubs {
			fn()
		}
	}
}

// enqueue pushes a bare storage write onto the ordered persistence
// queue without firing subscriber notifications.
func (ps *proofStore) enqueue(fn func() error) {
	ps.persistQueue <- func() {
		if err := fn(); err != nil {
			ps.logger.Warn("failed to persist wallet state", slog.String("error", err.Error()))
		}
	}
}

// notifyPendingChange reports a pending-set mutation that did not touch
// the proof map itself (available balance still moved).
func (ps *proofStore) notifyPendingChange() {
	ps.persist(func() error { return nil })
}

func (ps *proofStore) subscribeBalance(fn func(balance, available uint64)) {
	ps.onBalanceChange = append(ps.onBalanceChange, fn)
}

func (ps *proofStore) subscribeProofs(fn func()) {
	ps.onProofsChange = append(ps.onProofsChange, fn)
}
