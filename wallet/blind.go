package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/crypto"
)

// createBlindedMessages decomposes amount into power-of-two buckets and
// produces one blinded output per bucket, retaining the secrets and
// blinding factors needed to unblind the mint's signatures.
func createBlindedMessages(amount uint64, keyset crypto.WalletKeyset) (
	cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {

	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		if !keyset.HasAmount(amt) {
			return nil, nil, nil, newError(CodeUnknownDenomination,
				fmt.Sprintf("keyset '%v' has no key for amount %v", keyset.Id, amt))
		}

		secret, err := cashu.GenerateRandomSecret()
		if err != nil {
			return nil, nil, nil, wrapError(CodeBlindingFailure, "", err)
		}

		r, err := crypto.GenerateBlindingFactor()
		if err != nil {
			return nil, nil, nil, wrapError(CodeBlindingFailure, "", err)
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return nil, nil, nil, wrapError(CodeBlindingFailure, "", err)
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keyset.Id, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// constructProofs unblinds the signatures returned by the mint into
// spendable proofs. keysetFor resolves the keyset a signature
// references; order follows the signatures.
func constructProofs(blindedSignatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keysetFor func(id string) (crypto.WalletKeyset, error)) (cashu.Proofs, error) {

	if len(blindedSignatures) != len(secrets) || len(blindedSignatures) != len(rs) {
		return nil, newError(CodeBlindingFailure, "lengths do not match")
	}

	proofs := make(cashu.Proofs, len(blindedSignatures))
	for i, blindedSignature := range blindedSignatures {
		C_bytes, err := hex.DecodeString(blindedSignature.C_)
		if err != nil {
			return nil, wrapError(CodeInvalidPoint, "invalid C_", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, wrapError(CodeInvalidPoint, "C_ is not a curve point", err)
		}

		keyset, err := keysetFor(blindedSignature.Id)
		if err != nil {
			return nil, err
		}
		K, ok := keyset.PublicKeys[blindedSignature.Amount]
		if !ok {
			return nil, newError(CodeUnknownDenomination,
				fmt.Sprintf("keyset '%v' has no key for amount %v", keyset.Id, blindedSignature.Amount))
		}

		C := crypto.UnblindSignature(C_, rs[i], K)
		Cstr := hex.EncodeToString(C.SerializeCompressed())

		proofs[i] = cashu.Proof{
			Amount: blindedSignature.Amount,
			Secret: secrets[i],
			C:      Cstr,
			Id:     blindedSignature.Id,
		}
	}

	return proofs, nil
}

// proofYs computes the hash_to_curve point of each proof secret, hex
// encoded, as the mint's state endpoint expects.
func proofYs(proofs cashu.Proofs) ([]string, error) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return nil, err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return Ys, nil
}
