package paywall

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/mux"
)

// testPaywall is a content-server double with one priced track.
type testPaywall struct {
	server *httptest.Server

	price   uint64
	mintURL string
	// nested selects the alternative 402 body shape
	nested bool
	change string

	mu         sync.Mutex
	lastToken  string
	lastPubkey string
	lastSig    string
	requests   int
	// failures counts down forced network failures
	failures int
}

func newTestPaywall(t *testing.T) *testPaywall {
	t.Helper()

	tp := &testPaywall{price: 5, mintURL: "https://mint.example"}

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/content/{id}", tp.handleContent).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/audio/{id}", tp.handleAudio).Methods(http.MethodGet)

	tp.server = httptest.NewServer(router)
	t.Cleanup(tp.server.Close)
	return tp
}

func (tp *testPaywall) tokenFrom(r *http.Request) string {
	// header takes priority over URL params
	if token := r.Header.Get("X-Ecash-Token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		for _, prefix := range []string{"Ecash ", "Cashu ", "Bearer "} {
			if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
				return auth[len(prefix):]
			}
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.URL.Query().Get("ecash")
}

func (tp *testPaywall) handleContent(w http.ResponseWriter, r *http.Request) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.requests++

	if tp.failures > 0 {
		tp.failures--
		// abort the connection so the client sees a network error
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
		return
	}

	token := tp.tokenFrom(r)
	tp.lastToken = token
	tp.lastPubkey = r.URL.Query().Get("pubkey")
	tp.lastSig = r.URL.Query().Get("sig")

	if token == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		if tp.nested {
			fmt.Fprintf(w, `{"error":{"code":"PAYMENT_REQUIRED","details":{"required":%d,"mint_url":%q}}}`,
				tp.price, tp.mintURL)
		} else {
			fmt.Fprintf(w, `{"price_credits":%d,"mint_url":%q}`, tp.price, tp.mintURL)
		}
		return
	}

	contentID := mux.Vars(r)["id"]
	response := map[string]any{
		"data": map[string]any{
			"url":         "https://cdn.example/media/" + contentID + ".mp3",
			"stream_type": "mp3",
		},
	}
	if tp.change != "" {
		response["change"] = tp.change
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (tp *testPaywall) handleAudio(w http.ResponseWriter, r *http.Request) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.tokenFrom(r) == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprintf(w, `{"price_credits":%d,"mint_url":%q}`, tp.price, tp.mintURL)
		return
	}

	w.Header().Set("X-Chunk-Type", "full")
	w.Header().Set("X-Payment-Settled", "true")
	w.Header().Set("X-Resume-Token", "resume123")
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write([]byte("audio-bytes"))
}

func TestRequestPaymentRequired(t *testing.T) {
	tp := newTestPaywall(t)
	client := NewClient(tp.server.URL)

	_, err := client.Request(context.Background(), "track1", "")
	var paymentRequired *PaymentRequiredError
	if !errors.As(err, &paymentRequired) {
		t.Fatalf("expected PaymentRequiredError but got %v", err)
	}
	if paymentRequired.Required != 5 {
		t.Errorf("expected required 5 but got %v", paymentRequired.Required)
	}
	if paymentRequired.MintURL != "https://mint.example" {
		t.Errorf("expected mint url in error but got '%v'", paymentRequired.MintURL)
	}

	// no retry on 402
	tp.mu.Lock()
	requests := tp.requests
	tp.mu.Unlock()
	if requests != 1 {
		t.Errorf("expected exactly 1 request but got %v", requests)
	}
}

func TestRequestPaymentRequiredNestedShape(t *testing.T) {
	tp := newTestPaywall(t)
	tp.nested = true
	client := NewClient(tp.server.URL)

	_, err := client.Request(context.Background(), "track1", "")
	var paymentRequired *PaymentRequiredError
	if !errors.As(err, &paymentRequired) {
		t.Fatalf("expected PaymentRequiredError but got %v", err)
	}
	if paymentRequired.Required != 5 || paymentRequired.MintURL != "https://mint.example" {
		t.Errorf("unexpected error contents: %+v", paymentRequired)
	}
}

func TestRequestSuccess(t *testing.T) {
	tp := newTestPaywall(t)
	client := NewClient(tp.server.URL)

	resp, err := client.Request(context.Background(), "track1", "cashuBtoken")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.URL != "https://cdn.example/media/track1.mp3" {
		t.Errorf("expected media url but got '%v'", resp.URL)
	}
	if resp.StreamType != "mp3" {
		t.Errorf("expected stream type 'mp3' but got '%v'", resp.StreamType)
	}
	if tp.lastToken != "cashuBtoken" {
		t.Errorf("expected token in header but server saw '%v'", tp.lastToken)
	}
}

func TestRequestRetriesOnceOnNetworkError(t *testing.T) {
	tp := newTestPaywall(t)
	tp.failures = 1
	client := NewClient(tp.server.URL)

	resp, err := client.Request(context.Background(), "track1", "cashuBtoken")
	if err != nil {
		t.Fatalf("expected retry to succeed but got %v", err)
	}
	if resp.URL == "" {
		t.Error("expected media url after retry")
	}
}

func TestAuthModes(t *testing.T) {
	tp := newTestPaywall(t)

	modes := []AuthMode{
		AuthHeader, AuthQueryToken, AuthQueryEcash,
		AuthorizationEcash, AuthorizationCashu, AuthorizationBearer,
	}
	for _, mode := range modes {
		client := NewClient(tp.server.URL, WithAuthMode(mode))
		if _, err := client.Request(context.Background(), "track1", "cashuBtoken"); err != nil {
			t.Fatalf("mode %v: %v", mode, err)
		}
		if tp.lastToken != "cashuBtoken" {
			t.Errorf("mode %v: server saw token '%v'", mode, tp.lastToken)
		}
	}
}

func TestIdentitySignature(t *testing.T) {
	tp := newTestPaywall(t)

	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	identity := NewIdentity(key)
	client := NewClient(tp.server.URL, WithIdentity(identity))

	token := "cashuBtoken"
	if _, err := client.Request(context.Background(), "track1", token); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if tp.lastPubkey != identity.PublicKeyHex() {
		t.Errorf("expected pubkey '%v' but server saw '%v'", identity.PublicKeyHex(), tp.lastPubkey)
	}

	// the signature must verify as BIP-340 over sha256(token)
	sigBytes, err := hex.DecodeString(tp.lastSig)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		t.Fatal(err)
	}
	pubBytes, err := hex.DecodeString(tp.lastPubkey)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		t.Fatal(err)
	}
	digest := sha256.Sum256([]byte(token))
	if !sig.Verify(digest[:], pub) {
		t.Error("signature does not verify")
	}
}

func TestFetchAudioTwoChunkPassthrough(t *testing.T) {
	tp := newTestPaywall(t)
	client := NewClient(tp.server.URL)

	body, twoChunk, err := client.FetchAudio(context.Background(), "track1", "cashuBtoken")
	if err != nil {
		t.Fatalf("FetchAudio: %v", err)
	}
	defer body.Close()

	if twoChunk == nil {
		t.Fatal("expected two-chunk info")
	}
	if twoChunk.ChunkType != "full" || twoChunk.PaymentSettled != "true" || twoChunk.ResumeToken != "resume123" {
		t.Errorf("headers not passed through verbatim: %+v", twoChunk)
	}
}

// fakeWallet records the deferred-debit calls the payment flow makes.
type fakeWallet struct {
	token     string
	prepareErr error

	mu         sync.Mutex
	resolved   map[string]bool
	resolveSet bool
	received   []string
}

func (fw *fakeWallet) PrepareTokenForContent(ctx context.Context, contentID string, amount uint64) (string, error) {
	if fw.prepareErr != nil {
		return "", fw.prepareErr
	}
	return fw.token, nil
}

func (fw *fakeWallet) ResolvePending(contentID string, spent bool) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.resolved == nil {
		fw.resolved = make(map[string]bool)
	}
	fw.resolved[contentID] = spent
	fw.resolveSet = true
}

func (fw *fakeWallet) Receive(ctx context.Context, token string) (uint64, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.received = append(fw.received, token)
	return 1, nil
}

func TestPayForContentSettles(t *testing.T) {
	tp := newTestPaywall(t)
	tp.change = "cashuBchange"
	client := NewClient(tp.server.URL)
	fw := &fakeWallet{token: "cashuBtoken"}

	resp, err := client.PayForContent(context.Background(), fw, "track1", 5)
	if err != nil {
		t.Fatalf("PayForContent: %v", err)
	}
	if resp.URL == "" {
		t.Error("expected media url")
	}
	if spent, ok := fw.resolved["track1"]; !ok || !spent {
		t.Errorf("expected resolve(spent=true) but got %v", fw.resolved)
	}
	if len(fw.received) != 1 || fw.received[0] != "cashuBchange" {
		t.Errorf("expected change to be redeemed but got %v", fw.received)
	}
}

func TestPayForContentReleasedOn402(t *testing.T) {
	tp := newTestPaywall(t)
	client := NewClient(tp.server.URL)
	// empty token makes the server demand payment
	fw := &fakeWallet{token: ""}

	_, err := client.PayForContent(context.Background(), fw, "track1", 5)
	var paymentRequired *PaymentRequiredError
	if !errors.As(err, &paymentRequired) {
		t.Fatalf("expected PaymentRequiredError but got %v", err)
	}
	if spent, ok := fw.resolved["track1"]; !ok || spent {
		t.Errorf("expected resolve(spent=false) but got %v", fw.resolved)
	}
}

func TestPayForContentLeavesPendingOnNetworkError(t *testing.T) {
	tp := newTestPaywall(t)
	// both the request and its retry fail
	tp.failures = 2
	client := NewClient(tp.server.URL)
	fw := &fakeWallet{token: "cashuBtoken"}

	_, err := client.PayForContent(context.Background(), fw, "track1", 5)
	if err == nil {
		t.Fatal("expected error")
	}
	if fw.resolveSet {
		t.Errorf("expected pending entry untouched on ambiguous failure but got %v", fw.resolved)
	}
}
