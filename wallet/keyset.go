package wallet

import (
	"context"
	"fmt"

	"github.com/tunegate/tunegate/crypto"
)

// keysetCache holds the keysets fetched from the mint. Keys are
// immutable once cached; refreshing adds unknown keysets and fills in
// the keys of keysets known only from the keyset list.
type keysetCache struct {
	mintURL string
	unit    string

	// active keyset pinned for the configured unit
	activeKeyset crypto.WalletKeyset
	keysetsByID  map[string]crypto.WalletKeyset
}

// loadKeysets fetches the mint's keysets and pins the active keyset for
// the given unit.
func loadKeysets(ctx context.Context, client *MintClient, unit string) (*keysetCache, error) {
	keysRes, err := client.GetActiveKeysets(ctx)
	if err != nil {
		return nil, wrapError(CodeMintUnreachable, "error getting keysets from mint", err)
	}

	cache := &keysetCache{
		mintURL:     client.MintURL(),
		unit:        unit,
		keysetsByID: make(map[string]crypto.WalletKeyset),
	}

	var foundActive bool
	for _, keysetRes := range keysRes.Keysets {
		keyset := crypto.WalletKeyset{
			Id:         keysetRes.Id,
			MintURL:    client.MintURL(),
			Unit:       keysetRes.Unit,
			Active:     true,
			PublicKeys: keysetRes.Keys,
		}
		// verify keyset id conformance against the served keys
		if derived := crypto.DeriveKeysetId(keyset.PublicKeys); derived != keyset.Id {
			return nil, newError(CodeUnknownKeyset,
				fmt.Sprintf("keyset id '%v' does not match derived id '%v'", keyset.Id, derived))
		}
		cache.keysetsByID[keyset.Id] = keyset

		if keyset.Unit == unit && !foundActive {
			cache.activeKeyset = keyset
			foundActive = true
		}
	}

	if !foundActive {
		return nil, newError(CodeNoActiveKeyset,
			fmt.Sprintf("mint has no active keyset for unit '%v'", unit))
	}

	// record inactive keysets so proofs signed by them are recognized
	keysetsRes, err := client.GetAllKeysets(ctx)
	if err != nil {
		return nil, wrapError(CodeMintUnreachable, "error getting keysets from mint", err)
	}
	for _, keysetRes := range keysetsRes.Keysets {
		if _, ok := cache.keysetsByID[keysetRes.Id]; ok {
			continue
		}
		cache.keysetsByID[keysetRes.Id] = crypto.WalletKeyset{
			Id:      keysetRes.Id,
			MintURL: client.MintURL(),
			Unit:    keysetRes.Unit,
			Active:  keysetRes.Active,
		}
	}

	return cache, nil
}

func (kc *keysetCache) keyset(id string) (crypto.WalletKeyset, bool) {
	keyset, ok := kc.keysetsByID[id]
	return keyset, ok
}

// fetchKeyset pulls the keys for an unknown keyset id from the mint and
// caches them. An entry that already holds keys is returned as is; an
// entry known only from the keyset list gets its keys filled in and
// keeps its active flag.
func (kc *keysetCache) fetchKeyset(ctx context.Context, client *MintClient, id string) (crypto.WalletKeyset, error) {
	if keyset, ok := kc.keysetsByID[id]; ok && len(keyset.PublicKeys) > 0 {
		return keyset, nil
	}

	keysRes, err := client.GetKeysetById(ctx, id)
	if err != nil {
		return crypto.WalletKeyset{}, wrapError(CodeMintUnreachable, "error getting keyset from mint", err)
	}
	if len(keysRes.Keysets) == 0 {
		return crypto.WalletKeyset{}, newError(CodeUnknownKeyset, fmt.Sprintf("mint does not know keyset '%v'", id))
	}

	keysetRes := keysRes.Keysets[0]
	keyset := crypto.WalletKeyset{
		Id:         keysetRes.Id,
		MintURL:    client.MintURL(),
		Unit:       keysetRes.Unit,
		PublicKeys: keysetRes.Keys,
	}
	if derived := crypto.DeriveKeysetId(keyset.PublicKeys); derived != keyset.Id {
		return crypto.WalletKeyset{}, newError(CodeUnknownKeyset,
			fmt.Sprintf("keyset id '%v' does not match derived id '%v'", keyset.Id, derived))
	}

	if existing, ok := kc.keysetsByID[id]; ok {
		// keep the known active flag, fill in the keys
		keyset.Active = existing.Active
	}
	kc.keysetsByID[id] = keyset
	return keyset, nil
}
