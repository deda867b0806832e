package nip60

import (
	"context"
	"encoding/base64"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/wallet/storage"
)

// fakeSigner stands in for the user's signer; the "encryption" is a
// reversible marker good enough to assert no cleartext leaves the
// adapter.
type fakeSigner struct {
	pubkey string
}

func (fs *fakeSigner) PublicKey() string { return fs.pubkey }

func (fs *fakeSigner) SignEvent(event *Event) error {
	event.Sig = "sig:" + event.ID
	return nil
}

func (fs *fakeSigner) Encrypt(plaintext string) (string, error) {
	return "enc:" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (fs *fakeSigner) Decrypt(ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, "enc:"))
	return string(decoded), err
}

type fakeRelay struct {
	mu     sync.Mutex
	events []Event
}

func (fr *fakeRelay) Publish(ctx context.Context, event Event) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.events = append(fr.events, event)
	return nil
}

func (fr *fakeRelay) Query(ctx context.Context, filter Filter) ([]Event, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var matched []Event
	for _, event := range fr.events {
		kindOk := len(filter.Kinds) == 0
		for _, kind := range filter.Kinds {
			if event.Kind == kind {
				kindOk = true
			}
		}
		authorOk := len(filter.Authors) == 0
		for _, author := range filter.Authors {
			if event.PubKey == author {
				authorOk = true
			}
		}
		if kindOk && authorOk {
			matched = append(matched, event)
		}
	}
	return matched, nil
}

func remoteTestProofs(t *testing.T, amounts []uint64) cashu.Proofs {
	t.Helper()

	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		secret, err := cashu.GenerateRandomSecret()
		if err != nil {
			t.Fatal(err)
		}
		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     "00b3e89101cc0ec3",
			Secret: secret,
			C:      "02762f5e23574da3527af71a3b5ab4119eb06d2aede26773ceb94c0dd90bd595e3",
		}
	}
	return proofs
}

func newTestStore(relay *fakeRelay) *WalletStore {
	signer := &fakeSigner{pubkey: "deadbeef"}
	ws := NewWalletStore(signer, relay, "https://mint.example", "usd")
	clock := int64(1000)
	ws.now = func() int64 { clock++; return clock }
	return ws
}

func TestProofsRoundTrip(t *testing.T) {
	relay := &fakeRelay{}
	ws := newTestStore(relay)
	proofs := remoteTestProofs(t, []uint64{1, 4})

	if err := ws.SaveProofs(context.Background(), proofs); err != nil {
		t.Fatalf("SaveProofs: %v", err)
	}

	loaded, err := ws.LoadProofs(context.Background())
	if err != nil {
		t.Fatalf("LoadProofs: %v", err)
	}
	if !reflect.DeepEqual(loaded, proofs) {
		t.Errorf("expected '%v' but got '%v' instead", proofs, loaded)
	}
}

// cleartext proofs must never reach the relay
func TestEventsAreEncrypted(t *testing.T) {
	relay := &fakeRelay{}
	ws := newTestStore(relay)
	proofs := remoteTestProofs(t, []uint64{2})

	if err := ws.SaveProofs(context.Background(), proofs); err != nil {
		t.Fatal(err)
	}

	for _, event := range relay.events {
		if strings.Contains(event.Content, proofs[0].Secret) {
			t.Fatal("event content leaks the proof secret")
		}
		if !strings.HasPrefix(event.Content, "enc:") {
			t.Fatal("event content was not run through the signer's encrypt")
		}
		if event.Sig == "" || event.ID == "" {
			t.Error("event was not signed")
		}
	}
}

// a later save supersedes the earlier event
func TestLatestSaveWins(t *testing.T) {
	relay := &fakeRelay{}
	ws := newTestStore(relay)

	first := remoteTestProofs(t, []uint64{1})
	second := remoteTestProofs(t, []uint64{8, 2})

	if err := ws.SaveProofs(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := ws.SaveProofs(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	loaded, err := ws.LoadProofs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded, second) {
		t.Errorf("expected latest save '%v' but got '%v'", second, loaded)
	}
}

// two adapters writing concurrently converge on the latest fragment
// per d-tag
func TestConflictResolutionLastWriterWins(t *testing.T) {
	relay := &fakeRelay{}

	older := newTestStore(relay)
	older.now = func() int64 { return 100 }
	newer := newTestStore(relay)
	newer.now = func() int64 { return 200 }

	oldProofs := remoteTestProofs(t, []uint64{1})
	newProofs := remoteTestProofs(t, []uint64{4})

	if err := older.SaveProofs(context.Background(), oldProofs); err != nil {
		t.Fatal(err)
	}
	if err := newer.SaveProofs(context.Background(), newProofs); err != nil {
		t.Fatal(err)
	}

	loaded, err := newTestStore(relay).LoadProofs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loaded, newProofs) {
		t.Errorf("expected newest fragment '%v' but got '%v'", newProofs, loaded)
	}
}

func TestWalletHeaderRoundTrip(t *testing.T) {
	relay := &fakeRelay{}
	ws := newTestStore(relay)

	mints := []string{"https://mint.example", "https://backup-mint.example"}
	if err := ws.PublishWalletHeader(context.Background(), mints, "aabbcc"); err != nil {
		t.Fatal(err)
	}

	loadedMints, privkey, err := ws.LoadWalletHeader(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(loadedMints, mints) {
		t.Errorf("expected '%v' but got '%v' instead", mints, loadedMints)
	}
	if privkey != "aabbcc" {
		t.Errorf("expected privkey 'aabbcc' but got '%v'", privkey)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	relay := &fakeRelay{}
	ws := newTestStore(relay)

	history := []storage.HistoryEntry{
		{Direction: "in", Amount: 21, Unit: "usd"},
		{Direction: "out", Amount: 5, Unit: "usd", Reference: "trackA"},
	}
	if err := ws.SaveHistory(context.Background(), history); err != nil {
		t.Fatal(err)
	}

	loaded, err := ws.LoadHistory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 history entries but got %v", len(loaded))
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Amount > loaded[j].Amount })
	if loaded[0].Direction != "in" || loaded[0].Amount != 21 {
		t.Errorf("unexpected first entry %+v", loaded[0])
	}
	if loaded[1].Direction != "out" || loaded[1].Reference != "trackA" {
		t.Errorf("unexpected second entry %+v", loaded[1])
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	event := Event{
		PubKey:    "deadbeef",
		CreatedAt: 1234,
		Kind:      KindTokenEvent,
		Tags:      [][]string{{"d", "abc"}},
		Content:   "enc:xyz",
	}
	id1 := event.ComputeID()
	id2 := event.ComputeID()
	if id1 != id2 || len(id1) != 64 {
		t.Errorf("expected stable 64-char id but got '%v' and '%v'", id1, id2)
	}
}
