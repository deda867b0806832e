package wallet

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/wallet/storage"
)

type fakeRemote struct {
	mu      sync.Mutex
	proofs  cashu.Proofs
	history []storage.HistoryEntry
	saves   int
}

func (fr *fakeRemote) LoadProofs(ctx context.Context) (cashu.Proofs, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append(cashu.Proofs{}, fr.proofs...), nil
}

func (fr *fakeRemote) SaveProofs(ctx context.Context, proofs cashu.Proofs) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.proofs = append(cashu.Proofs{}, proofs...)
	fr.saves++
	return nil
}

func (fr *fakeRemote) LoadHistory(ctx context.Context) ([]storage.HistoryEntry, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]storage.HistoryEntry{}, fr.history...), nil
}

func (fr *fakeRemote) SaveHistory(ctx context.Context, history []storage.HistoryEntry) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.history = append(fr.history, history...)
	return nil
}

// remote proofs merge into the local store at load, and the merged
// state is pushed back
func TestRemoteMirrorMergesOnLoad(t *testing.T) {
	mint := newTestMint(t, "usd")

	dbpath, err := os.MkdirTemp("", "testwallet")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dbpath) })

	db, err := storage.InitBolt(dbpath)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveProofs(mint.signProofs(t, []uint64{1})); err != nil {
		t.Fatal(err)
	}

	remote := &fakeRemote{proofs: mint.signProofs(t, []uint64{4})}

	config := DefaultConfig(mint.URL(), db)
	config.Remote = remote
	w, err := LoadWallet(context.Background(), config)
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if balance := w.Balance(); balance != 5 {
		t.Errorf("expected merged balance 5 but got %v", balance)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.saves == 0 {
		t.Fatal("expected merged state to be pushed to the remote store")
	}
	if remote.proofs.Amount() != 5 {
		t.Errorf("expected remote to hold 5 but got %v", remote.proofs.Amount())
	}
}
