package wallet

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// IdentityKey is the wallet owner's signing key, derived from a
// mnemonic. It signs paywall requests; the wallet core itself never
// uses it.
type IdentityKey struct {
	privateKey *btcec.PrivateKey
}

// NewMnemonic generates a fresh 12-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// DeriveIdentityKey derives the signing key from a mnemonic at the
// hardened path m/0'/0'/0'.
func DeriveIdentityKey(mnemonic string) (*IdentityKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	key := master
	for i := 0; i < 3; i++ {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + 0)
		if err != nil {
			return nil, err
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return &IdentityKey{privateKey: privKey}, nil
}

func (ik *IdentityKey) PrivateKey() *btcec.PrivateKey {
	return ik.privateKey
}

// PublicKeyHex is the compressed public key in hex.
func (ik *IdentityKey) PublicKeyHex() string {
	return hex.EncodeToString(ik.privateKey.PubKey().SerializeCompressed())
}

// SchnorrPublicKeyHex is the 32-byte x-only public key in hex, the
// form BIP-340 verifiers expect.
func (ik *IdentityKey) SchnorrPublicKeyHex() string {
	return hex.EncodeToString(ik.privateKey.PubKey().SerializeCompressed()[1:])
}
