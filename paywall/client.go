// Package paywall implements the content-access client: it exchanges a
// proof token for a signed media URL and feeds settlement results back
// into the wallet's deferred-debit state machine.
package paywall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AuthMode selects how the token is attached to a request. The server
// gives the header priority when both header and URL are present.
type AuthMode int

const (
	AuthHeader AuthMode = iota
	AuthQueryToken
	AuthQueryEcash
	AuthorizationEcash
	AuthorizationCashu
	AuthorizationBearer
)

// TwoChunkInfo carries the server's two-chunk streaming headers,
// verbatim and uninterpreted.
type TwoChunkInfo struct {
	ChunkType       string
	PaymentRequired string
	PaymentSettled  string
	ResumeToken     string
}

func twoChunkFromHeaders(h http.Header) *TwoChunkInfo {
	info := &TwoChunkInfo{
		ChunkType:       h.Get("X-Chunk-Type"),
		PaymentRequired: h.Get("X-Payment-Required"),
		PaymentSettled:  h.Get("X-Payment-Settled"),
		ResumeToken:     h.Get("X-Resume-Token"),
	}
	if info.ChunkType == "" && info.PaymentRequired == "" &&
		info.PaymentSettled == "" && info.ResumeToken == "" {
		return nil
	}
	return info
}

type ContentResponse struct {
	// URL is the signed media URL for JSON responses.
	URL        string
	StreamType string
	// ChangeToken is set when the server returned overpayment change.
	ChangeToken string
	// Blob holds the body when the server streamed media directly.
	Blob        []byte
	ContentType string
	TwoChunk    *TwoChunkInfo
}

// PaymentRequiredError is the typed 402: the price and where to mint.
type PaymentRequiredError struct {
	Required uint64
	MintURL  string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %d credits (mint %s)", e.Required, e.MintURL)
}

type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	authMode   AuthMode
	identity   *Identity
}

type Option func(*Client)

func WithAuthMode(mode AuthMode) Option {
	return func(c *Client) { c.authMode = mode }
}

// WithIdentity attaches a signing identity; requests carry pubkey and
// sig parameters the server can verify.
func WithIdentity(identity *Identity) Option {
	return func(c *Client) { c.identity = identity }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		authMode:   AuthHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request posts a token for a piece of content and returns the media
// URL (or blob). No retry on 402; one retry on network error.
func (c *Client) Request(ctx context.Context, contentID, token string) (*ContentResponse, error) {
	return c.fetch(ctx, "/api/v1/content/"+url.PathEscape(contentID), token)
}

// FetchAudio requests the audio stream for a piece of content. The
// caller owns the returned body.
func (c *Client) FetchAudio(ctx context.Context, contentID, token string) (io.ReadCloser, *TwoChunkInfo, error) {
	req, err := c.newRequest(ctx, "/api/v1/audio/"+url.PathEscape(contentID), token)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// single retry on network error
		resp, err = c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			return nil, nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, nil, c.errorFromResponse(resp)
	}
	return resp.Body, twoChunkFromHeaders(resp.Header), nil
}

func (c *Client) fetch(ctx context.Context, path, token string) (*ContentResponse, error) {
	req, err := c.newRequest(ctx, path, token)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		resp, err = c.httpClient.Do(req.Clone(ctx))
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &ContentResponse{
		ContentType: contentType,
		TwoChunk:    twoChunkFromHeaders(resp.Header),
	}

	if !strings.Contains(contentType, "application/json") {
		// media body: hand back an opaque blob
		result.Blob = body
		return result, nil
	}

	var payload struct {
		Data struct {
			URL        string `json:"url"`
			StreamType string `json:"stream_type"`
		} `json:"data"`
		Change string `json:"change"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("error reading response from server: %v", err)
	}
	result.URL = payload.Data.URL
	result.StreamType = payload.Data.StreamType
	result.ChangeToken = payload.Change
	return result, nil
}

func (c *Client) newRequest(ctx context.Context, path, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		switch c.authMode {
		case AuthHeader:
			req.Header.Set("X-Ecash-Token", token)
		case AuthQueryToken:
			addQuery(req, "token", token)
		case AuthQueryEcash:
			addQuery(req, "ecash", token)
		case AuthorizationEcash:
			req.Header.Set("Authorization", "Ecash "+token)
		case AuthorizationCashu:
			req.Header.Set("Authorization", "Cashu "+token)
		case AuthorizationBearer:
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if c.identity != nil {
		pubkey, sig, err := c.identity.SignRequest(token)
		if err != nil {
			return nil, err
		}
		addQuery(req, "pubkey", pubkey)
		addQuery(req, "sig", sig)
	}

	return req, nil
}

func addQuery(req *http.Request, key, value string) {
	q := req.URL.Query()
	q.Set(key, value)
	req.URL.RawQuery = q.Encode()
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusPaymentRequired {
		if required, mintURL, ok := parsePaymentRequired(body); ok {
			return &PaymentRequiredError{Required: required, MintURL: mintURL}
		}
		return &PaymentRequiredError{}
	}
	return &ServerError{StatusCode: resp.StatusCode, Body: string(body)}
}

// parsePaymentRequired accepts both 402 shapes the server emits:
// {price_credits, mint_url} and {error:{code, details:{required, mint_url}}}.
func parsePaymentRequired(body []byte) (uint64, string, bool) {
	var flat struct {
		PriceCredits uint64 `json:"price_credits"`
		MintURL      string `json:"mint_url"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.PriceCredits > 0 {
		return flat.PriceCredits, flat.MintURL, true
	}

	var nested struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Required uint64 `json:"required"`
				MintURL  string `json:"mint_url"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Details.Required > 0 {
		return nested.Error.Details.Required, nested.Error.Details.MintURL, true
	}
	return 0, "", false
}
