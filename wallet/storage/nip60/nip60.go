package nip60

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/wallet/storage"
)

// WalletStore implements storage.RemoteStore over encrypted relay
// events. Each proof save publishes a replaceable token event; the
// authoritative state is the latest event per d-tag, union minus
// deletions.
type WalletStore struct {
	signer  Signer
	relay   RelayClient
	mintURL string
	unit    string

	// ids of token events superseded by the next publish
	superseded []string

	now func() int64
}

func NewWalletStore(signer Signer, relay RelayClient, mintURL, unit string) *WalletStore {
	return &WalletStore{
		signer:  signer,
		relay:   relay,
		mintURL: cashu.NormalizeMintURL(mintURL),
		unit:    unit,
		now:     func() int64 { return time.Now().Unix() },
	}
}

// dTag is the stable logical id of this wallet's token fragment for
// its mint.
func (ws *WalletStore) dTag() string {
	hash := sha256.Sum256([]byte("tokens:" + ws.mintURL))
	return hex.EncodeToString(hash[:8])
}

type walletHeader struct {
	Mints   []string `json:"mints"`
	Privkey string   `json:"privkey,omitempty"`
}

// PublishWalletHeader publishes the encrypted wallet descriptor: the
// mint list and an optional wallet-level P2PK key.
func (ws *WalletStore) PublishWalletHeader(ctx context.Context, mints []string, privkey string) error {
	content, err := json.Marshal(walletHeader{Mints: mints, Privkey: privkey})
	if err != nil {
		return err
	}
	return ws.publish(ctx, KindWalletHeader, string(content), [][]string{{"d", "wallet"}})
}

// LoadWalletHeader fetches and decrypts the latest wallet descriptor.
func (ws *WalletStore) LoadWalletHeader(ctx context.Context) (mints []string, privkey string, err error) {
	events, err := ws.relay.Query(ctx, Filter{
		Kinds:   []int{KindWalletHeader},
		Authors: []string{ws.signer.PublicKey()},
	})
	if err != nil {
		return nil, "", err
	}
	latest := latestByDTag(events)
	event, ok := latest["wallet"]
	if !ok {
		return nil, "", nil
	}

	plaintext, err := ws.signer.Decrypt(event.Content)
	if err != nil {
		return nil, "", fmt.Errorf("could not decrypt wallet header: %v", err)
	}
	var header walletHeader
	if err := json.Unmarshal([]byte(plaintext), &header); err != nil {
		return nil, "", err
	}
	return header.Mints, header.Privkey, nil
}

type tokenEventContent struct {
	Mint   string       `json:"mint"`
	Unit   string       `json:"unit"`
	Proofs cashu.Proofs `json:"proofs"`
	// Del lists the event ids this event supersedes
	Del []string `json:"del,omitempty"`
}

// SaveProofs publishes the full proof set as a fresh token event,
// tombstoning the events it supersedes.
func (ws *WalletStore) SaveProofs(ctx context.Context, proofs cashu.Proofs) error {
	content, err := json.Marshal(tokenEventContent{
		Mint:   ws.mintURL,
		Unit:   ws.unit,
		Proofs: proofs,
		Del:    ws.superseded,
	})
	if err != nil {
		return err
	}

	id, err := ws.publishWithID(ctx, KindTokenEvent, string(content), [][]string{{"d", ws.dTag()}})
	if err != nil {
		return err
	}
	ws.superseded = []string{id}
	return nil
}

// LoadProofs reconstructs the proof set: latest event per d-tag wins,
// the state is the union across fragments minus deletions.
func (ws *WalletStore) LoadProofs(ctx context.Context) (cashu.Proofs, error) {
	events, err := ws.relay.Query(ctx, Filter{
		Kinds:   []int{KindTokenEvent},
		Authors: []string{ws.signer.PublicKey()},
	})
	if err != nil {
		return nil, err
	}

	latest := latestByDTag(events)

	// decrypt the winning fragments first to learn the deletion set
	type fragment struct {
		eventID string
		content tokenEventContent
	}
	fragments := make([]fragment, 0, len(latest))
	deleted := make(map[string]bool)
	for _, event := range latest {
		plaintext, err := ws.signer.Decrypt(event.Content)
		if err != nil {
			continue
		}
		var content tokenEventContent
		if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
			continue
		}
		for _, id := range content.Del {
			deleted[id] = true
		}
		fragments = append(fragments, fragment{eventID: event.ID, content: content})
	}

	bySecret := make(map[string]cashu.Proof)
	var order []string
	for _, frag := range fragments {
		if deleted[frag.eventID] {
			continue
		}
		if frag.content.Mint != "" && cashu.NormalizeMintURL(frag.content.Mint) != ws.mintURL {
			continue
		}
		for _, proof := range frag.content.Proofs {
			if _, ok := bySecret[proof.Secret]; !ok {
				bySecret[proof.Secret] = proof
				order = append(order, proof.Secret)
			}
		}
	}

	proofs := make(cashu.Proofs, 0, len(order))
	for _, secret := range order {
		proofs = append(proofs, bySecret[secret])
	}
	return proofs, nil
}

// SaveHistory publishes one encrypted history event per entry, content
// encoded as [key, value] tuples.
func (ws *WalletStore) SaveHistory(ctx context.Context, history []storage.HistoryEntry) error {
	for _, entry := range history {
		tuples := [][]string{
			{"direction", entry.Direction},
			{"amount", strconv.FormatUint(entry.Amount, 10)},
			{"unit", entry.Unit},
		}
		if entry.Reference != "" {
			tuples = append(tuples, []string{"reference", entry.Reference})
		}
		content, err := json.Marshal(tuples)
		if err != nil {
			return err
		}
		if err := ws.publish(ctx, KindHistoryEvent, string(content), nil); err != nil {
			return err
		}
	}
	return nil
}

func (ws *WalletStore) LoadHistory(ctx context.Context) ([]storage.HistoryEntry, error) {
	events, err := ws.relay.Query(ctx, Filter{
		Kinds:   []int{KindHistoryEvent},
		Authors: []string{ws.signer.PublicKey()},
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})

	history := make([]storage.HistoryEntry, 0, len(events))
	for _, event := range events {
		plaintext, err := ws.signer.Decrypt(event.Content)
		if err != nil {
			continue
		}
		var tuples [][]string
		if err := json.Unmarshal([]byte(plaintext), &tuples); err != nil {
			continue
		}

		entry := storage.HistoryEntry{CreatedAt: event.CreatedAt}
		for _, tuple := range tuples {
			if len(tuple) != 2 {
				continue
			}
			switch tuple[0] {
			case "direction":
				entry.Direction = tuple[1]
			case "amount":
				entry.Amount, _ = strconv.ParseUint(tuple[1], 10, 64)
			case "unit":
				entry.Unit = tuple[1]
			case "reference":
				entry.Reference = tuple[1]
			}
		}
		history = append(history, entry)
	}
	return history, nil
}

func (ws *WalletStore) publish(ctx context.Context, kind int, plaintext string, tags [][]string) error {
	_, err := ws.publishWithID(ctx, kind, plaintext, tags)
	return err
}

func (ws *WalletStore) publishWithID(ctx context.Context, kind int, plaintext string, tags [][]string) (string, error) {
	ciphertext, err := ws.signer.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("could not encrypt event content: %v", err)
	}

	event := Event{
		PubKey:    ws.signer.PublicKey(),
		CreatedAt: ws.now(),
		Kind:      kind,
		Tags:      tags,
		Content:   ciphertext,
	}
	if event.Tags == nil {
		event.Tags = [][]string{}
	}
	event.ID = event.ComputeID()
	if err := ws.signer.SignEvent(&event); err != nil {
		return "", err
	}
	if err := ws.relay.Publish(ctx, event); err != nil {
		return "", err
	}
	return event.ID, nil
}

// latestByDTag picks the most recent event per d-tag; ties break on
// event id for determinism across clients.
func latestByDTag(events []Event) map[string]Event {
	latest := make(map[string]Event)
	for _, event := range events {
		d := event.DTag()
		current, ok := latest[d]
		if !ok || event.CreatedAt > current.CreatedAt ||
			(event.CreatedAt == current.CreatedAt && event.ID > current.ID) {
			latest[d] = event
		}
	}
	return latest
}
