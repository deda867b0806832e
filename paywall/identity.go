package paywall

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Identity signs paywall requests with a BIP-340 Schnorr signature so
// the server can attribute payments and cap checks to a public key.
type Identity struct {
	privateKey *btcec.PrivateKey
}

func NewIdentity(privateKey *btcec.PrivateKey) *Identity {
	return &Identity{privateKey: privateKey}
}

// PublicKeyHex is the 32-byte x-only public key the server verifies
// against.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(id.privateKey.PubKey()))
}

// SignRequest signs sha256(token) for a paid request.
func (id *Identity) SignRequest(token string) (pubkey, sig string, err error) {
	digest := sha256.Sum256([]byte(token))
	signature, err := schnorr.Sign(id.privateKey, digest[:])
	if err != nil {
		return "", "", err
	}
	return id.PublicKeyHex(), hex.EncodeToString(signature.Serialize()), nil
}

// SignCapCheck signs sha256(t) where t is the request timestamp, for
// requests that only probe the spending cap.
func (id *Identity) SignCapCheck(t int64) (pubkey, sig string, err error) {
	digest := sha256.Sum256([]byte(strconv.FormatInt(t, 10)))
	signature, err := schnorr.Sign(id.privateKey, digest[:])
	if err != nil {
		return "", "", err
	}
	return id.PublicKeyHex(), hex.EncodeToString(signature.Serialize()), nil
}
