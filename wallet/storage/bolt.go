package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/crypto"
	bolt "go.etcd.io/bbolt"
)

const (
	KEYSETS_BUCKET          = "keysets"
	PROOFS_BUCKET           = "proofs"
	PENDING_ENTRIES_BUCKET  = "pending_entries"
	MINT_QUOTES_BUCKET      = "mint_quotes"
	PENDING_MINT_OPS_BUCKET = "pending_mint_ops"
	PENDING_SWAP_OPS_BUCKET = "pending_swap_ops"
	HISTORY_BUCKET          = "history"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	err = boltdb.initWalletBuckets()
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) initWalletBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		buckets := []string{
			KEYSETS_BUCKET,
			PROOFS_BUCKET,
			PENDING_ENTRIES_BUCKET,
			MINT_QUOTES_BUCKET,
			PENDING_MINT_OPS_BUCKET,
			PENDING_SWAP_OPS_BUCKET,
			HISTORY_BUCKET,
		}
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SaveProofs(proofs cashu.Proofs) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(PROOFS_BUCKET))
		for _, proof := range proofs {
			key := []byte(proof.Secret)
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put(key, jsonProof); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetProofs returns all proofs from db
func (db *BoltDB) GetProofs() cashu.Proofs {
	proofs := cashu.Proofs{}

	db.bolt.View(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(PROOFS_BUCKET))

		c := proofsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				continue
			}
			proofs = append(proofs, proof)
		}
		return nil
	})
	return proofs
}

func (db *BoltDB) DeleteProofs(secrets []string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(PROOFS_BUCKET))
		for _, secret := range secrets {
			if err := proofsb.Delete([]byte(secret)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) SavePendingEntry(entry PendingEntry) error {
	jsonEntry, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("invalid pending entry: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(PENDING_ENTRIES_BUCKET))
		return pendingb.Put([]byte(entry.Reference), jsonEntry)
	})
}

func (db *BoltDB) GetPendingEntries() []PendingEntry {
	entries := []PendingEntry{}

	db.bolt.View(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(PENDING_ENTRIES_BUCKET))
		c := pendingb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry PendingEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries
}

func (db *BoltDB) DeletePendingEntry(reference string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pendingb := tx.Bucket([]byte(PENDING_ENTRIES_BUCKET))
		return pendingb.Delete([]byte(reference))
	})
}

func (db *BoltDB) SaveMintQuote(quote MintQuote) error {
	jsonbytes, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(MINT_QUOTES_BUCKET))
		key := []byte(quote.QuoteId)
		return quotesb.Put(key, jsonbytes)
	}); err != nil {
		return fmt.Errorf("error saving mint quote: %v", err)
	}
	return nil
}

func (db *BoltDB) GetMintQuotes() []MintQuote {
	var mintQuotes []MintQuote

	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(MINT_QUOTES_BUCKET))
		c := quotesb.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var quote MintQuote
			if err := json.Unmarshal(v, &quote); err != nil {
				continue
			}
			mintQuotes = append(mintQuotes, quote)
		}
		return nil
	})

	return mintQuotes
}

func (db *BoltDB) GetMintQuoteById(id string) *MintQuote {
	var quote *MintQuote
	db.bolt.View(func(tx *bolt.Tx) error {
		quotesb := tx.Bucket([]byte(MINT_QUOTES_BUCKET))
		quoteBytes := quotesb.Get([]byte(id))
		if err := json.Unmarshal(quoteBytes, &quote); err != nil {
			quote = nil
		}
		return nil
	})
	return quote
}

func (db *BoltDB) SavePendingMintOp(op PendingMintOp) error {
	jsonbytes, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("invalid mint op: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_MINT_OPS_BUCKET))
		return opsb.Put([]byte(op.QuoteId), jsonbytes)
	})
}

func (db *BoltDB) GetPendingMintOps() []PendingMintOp {
	ops := []PendingMintOp{}

	db.bolt.View(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_MINT_OPS_BUCKET))
		c := opsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op PendingMintOp
			if err := json.Unmarshal(v, &op); err != nil {
				continue
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops
}

func (db *BoltDB) DeletePendingMintOp(quoteId string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_MINT_OPS_BUCKET))
		return opsb.Delete([]byte(quoteId))
	})
}

func (db *BoltDB) SavePendingSwapOp(op PendingSwapOp) error {
	jsonbytes, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("invalid swap op: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_SWAP_OPS_BUCKET))
		return opsb.Put([]byte(op.Id), jsonbytes)
	})
}

func (db *BoltDB) GetPendingSwapOps() []PendingSwapOp {
	ops := []PendingSwapOp{}

	db.bolt.View(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_SWAP_OPS_BUCKET))
		c := opsb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op PendingSwapOp
			if err := json.Unmarshal(v, &op); err != nil {
				continue
			}
			ops = append(ops, op)
		}
		return nil
	})
	return ops
}

func (db *BoltDB) DeletePendingSwapOp(id string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		opsb := tx.Bucket([]byte(PENDING_SWAP_OPS_BUCKET))
		return opsb.Delete([]byte(id))
	})
}

func (db *BoltDB) SaveKeyset(keyset *crypto.WalletKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(KEYSETS_BUCKET))
		mintBucket, err := keysetsb.CreateBucketIfNotExists([]byte(keyset.MintURL))
		if err != nil {
			return err
		}
		return mintBucket.Put([]byte(keyset.Id), jsonKeyset)
	}); err != nil {
		return fmt.Errorf("error saving keyset: %v", err)
	}
	return nil
}

func (db *BoltDB) GetKeysets() crypto.KeysetsMap {
	keysets := make(crypto.KeysetsMap)

	if err := db.bolt.View(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(KEYSETS_BUCKET))

		return keysetsb.ForEach(func(mintURL, v []byte) error {
			mintKeysets := []crypto.WalletKeyset{}
			mintBucket := keysetsb.Bucket(mintURL)
			c := mintBucket.Cursor()

			for k, v := c.First(); k != nil; k, v = c.Next() {
				var keyset crypto.WalletKeyset
				if err := json.Unmarshal(v, &keyset); err != nil {
					return err
				}
				mintKeysets = append(mintKeysets, keyset)
			}
			keysets[string(mintURL)] = mintKeysets
			return nil
		})
	}); err != nil {
		return nil
	}

	return keysets
}

func (db *BoltDB) SaveHistoryEntry(entry HistoryEntry) error {
	jsonbytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("invalid history entry: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		historyb := tx.Bucket([]byte(HISTORY_BUCKET))
		seq, err := historyb.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return historyb.Put(key, jsonbytes)
	})
}

func (db *BoltDB) GetHistory() []HistoryEntry {
	history := []HistoryEntry{}

	db.bolt.View(func(tx *bolt.Tx) error {
		historyb := tx.Bucket([]byte(HISTORY_BUCKET))
		c := historyb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			history = append(history, entry)
		}
		return nil
	})
	return history
}
