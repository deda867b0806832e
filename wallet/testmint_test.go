package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/mux"
	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut01"
	"github.com/tunegate/tunegate/cashu/nuts/nut02"
	"github.com/tunegate/tunegate/cashu/nuts/nut03"
	"github.com/tunegate/tunegate/cashu/nuts/nut04"
	"github.com/tunegate/tunegate/cashu/nuts/nut07"
	"github.com/tunegate/tunegate/crypto"
)

// testMint is an in-process mint double that signs for real, so that
// unblinding and verification exercise the full BDHKE path.
type testMint struct {
	server *httptest.Server

	keysetId string
	unit     string
	privKeys map[uint64]*btcec.PrivateKey
	pubKeys  crypto.PublicKeys

	mu     sync.Mutex
	quotes map[string]*nut04.PostMintQuoteBolt11Response
	// quote amounts, by quote id
	amounts map[string]uint64
	issued  map[string]bool
	spentYs map[string]bool

	// autopay marks quotes paid as soon as they are checked
	autopay bool
}

func newTestMint(t *testing.T, unit string) *testMint {
	t.Helper()

	tm := &testMint{
		unit:     unit,
		privKeys: make(map[uint64]*btcec.PrivateKey),
		pubKeys:  make(crypto.PublicKeys),
		quotes:   make(map[string]*nut04.PostMintQuoteBolt11Response),
		amounts:  make(map[string]uint64),
		issued:   make(map[string]bool),
		spentYs:  make(map[string]bool),
		autopay:  true,
	}

	for i := 0; i < 16; i++ {
		amount := uint64(1 << i)
		hash := sha256.Sum256([]byte("testmintkey" + strconv.FormatUint(amount, 10)))
		priv, pub := btcec.PrivKeyFromBytes(hash[:])
		tm.privKeys[amount] = priv
		tm.pubKeys[amount] = pub
	}
	tm.keysetId = crypto.DeriveKeysetId(tm.pubKeys)

	router := mux.NewRouter()
	router.HandleFunc("/v1/keys", tm.handleKeys).Methods(http.MethodGet)
	router.HandleFunc("/v1/keys/{id}", tm.handleKeysById).Methods(http.MethodGet)
	router.HandleFunc("/v1/keysets", tm.handleKeysets).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/quote/bolt11", tm.handleCreateQuote).Methods(http.MethodPost)
	router.HandleFunc("/v1/mint/quote/bolt11/{id}", tm.handleQuoteState).Methods(http.MethodGet)
	router.HandleFunc("/v1/mint/bolt11", tm.handleMint).Methods(http.MethodPost)
	router.HandleFunc("/v1/swap", tm.handleSwap).Methods(http.MethodPost)
	router.HandleFunc("/v1/checkstate", tm.handleCheckState).Methods(http.MethodPost)

	tm.server = httptest.NewServer(router)
	t.Cleanup(tm.server.Close)
	return tm
}

func (tm *testMint) URL() string {
	return tm.server.URL
}

// signProofs produces valid proofs for the given amounts, as if they
// had been minted through the protocol.
func (tm *testMint) signProofs(t *testing.T, amounts []uint64) cashu.Proofs {
	t.Helper()

	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		secret, err := cashu.GenerateRandomSecret()
		if err != nil {
			t.Fatal(err)
		}
		Y, err := crypto.HashToCurve([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		C := crypto.SignBlindedMessage(Y, tm.privKeys[amount])
		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     tm.keysetId,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func (tm *testMint) markSpent(t *testing.T, proofs cashu.Proofs) {
	t.Helper()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			t.Fatal(err)
		}
		tm.spentYs[hex.EncodeToString(Y.SerializeCompressed())] = true
	}
}

func (tm *testMint) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nut01.GetKeysResponse{Keysets: []nut01.Keyset{
		{Id: tm.keysetId, Unit: tm.unit, Keys: tm.pubKeys},
	}})
}

func (tm *testMint) handleKeysById(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id != tm.keysetId {
		writeMintError(w, cashu.BuildCashuError("unknown keyset", cashu.UnknownKeysetErrCode))
		return
	}
	tm.handleKeys(w, r)
}

func (tm *testMint) handleKeysets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{
		{Id: tm.keysetId, Unit: tm.unit, Active: true},
	}})
}

func (tm *testMint) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintQuoteBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	quoteId, _ := cashu.GenerateRandomSecret()
	quote := &nut04.PostMintQuoteBolt11Response{
		Quote:   quoteId,
		Request: "lnbcrt10u1pjtestinvoicedoesnotparse",
		Amount:  req.Amount,
		State:   nut04.Unpaid,
		Expiry:  uint64(time.Now().Add(10 * time.Minute).Unix()),
	}

	tm.mu.Lock()
	tm.quotes[quoteId] = quote
	tm.amounts[quoteId] = req.Amount
	tm.mu.Unlock()

	writeJSON(w, quote)
}

func (tm *testMint) handleQuoteState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tm.mu.Lock()
	quote, ok := tm.quotes[id]
	if ok && tm.autopay && quote.State == nut04.Unpaid {
		quote.State = nut04.Paid
	}
	tm.mu.Unlock()

	if !ok {
		writeMintError(w, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	writeJSON(w, quote)
}

func (tm *testMint) handleMint(w http.ResponseWriter, r *http.Request) {
	var req nut04.PostMintBolt11Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	quote, ok := tm.quotes[req.Quote]
	if !ok {
		writeMintError(w, cashu.BuildCashuError("quote does not exist", cashu.StandardErrCode))
		return
	}
	if tm.issued[req.Quote] {
		writeMintError(w, cashu.BuildCashuError("quote already issued", cashu.MintQuoteAlreadyIssuedErrCode))
		return
	}
	if quote.State != nut04.Paid {
		writeMintError(w, cashu.BuildCashuError("quote request has not been paid", cashu.MintQuoteRequestNotPaidErrCode))
		return
	}
	if req.Outputs.Amount() != tm.amounts[req.Quote] {
		writeMintError(w, cashu.BuildCashuError("output amount does not match quote", cashu.StandardErrCode))
		return
	}

	signatures, cashuErr := tm.sign(req.Outputs)
	if cashuErr != nil {
		writeMintError(w, cashuErr)
		return
	}

	tm.issued[req.Quote] = true
	quote.State = nut04.Issued
	writeJSON(w, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (tm *testMint) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req nut03.PostSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if req.Inputs.Amount() != req.Outputs.Amount() {
		writeMintError(w, cashu.BuildCashuError("input and output amounts differ", cashu.StandardErrCode))
		return
	}

	// verify inputs and reject already spent ones
	inputYs := make([]string, len(req.Inputs))
	for i, proof := range req.Inputs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			writeMintError(w, cashu.BuildCashuError("invalid proof", cashu.InvalidProofErrCode))
			return
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		if tm.spentYs[Yhex] {
			writeMintError(w, cashu.BuildCashuError("proof already used", cashu.ProofAlreadyUsedErrCode))
			return
		}
		priv, ok := tm.privKeys[proof.Amount]
		if !ok {
			writeMintError(w, cashu.BuildCashuError("invalid proof", cashu.InvalidProofErrCode))
			return
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			writeMintError(w, cashu.BuildCashuError("invalid proof", cashu.InvalidProofErrCode))
			return
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil || !crypto.Verify(proof.Secret, priv, C) {
			writeMintError(w, cashu.BuildCashuError("invalid proof", cashu.InvalidProofErrCode))
			return
		}
		inputYs[i] = Yhex
	}

	signatures, cashuErr := tm.sign(req.Outputs)
	if cashuErr != nil {
		writeMintError(w, cashuErr)
		return
	}

	for _, Yhex := range inputYs {
		tm.spentYs[Yhex] = true
	}
	writeJSON(w, nut03.PostSwapResponse{Signatures: signatures})
}

func (tm *testMint) handleCheckState(w http.ResponseWriter, r *http.Request) {
	var req nut07.PostCheckStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMintError(w, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode))
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	states := make([]nut07.ProofState, len(req.Ys))
	for i, Y := range req.Ys {
		state := nut07.Unspent
		if tm.spentYs[Y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	writeJSON(w, nut07.PostCheckStateResponse{States: states})
}

// sign produces one blind signature per output, in order.
func (tm *testMint) sign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, *cashu.Error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		priv, ok := tm.privKeys[output.Amount]
		if !ok {
			return nil, cashu.BuildCashuError("invalid amount in blinded message", cashu.StandardErrCode)
		}
		Bbytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid B_", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(Bbytes)
		if err != nil {
			return nil, cashu.BuildCashuError("B_ is not a curve point", cashu.StandardErrCode)
		}
		C_ := crypto.SignBlindedMessage(B_, priv)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     output.Id,
		}
	}
	return signatures, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeMintError(w http.ResponseWriter, cashuErr *cashu.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(cashuErr)
}
