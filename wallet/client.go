package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tunegate/tunegate/cashu"
	"github.com/tunegate/tunegate/cashu/nuts/nut01"
	"github.com/tunegate/tunegate/cashu/nuts/nut02"
	"github.com/tunegate/tunegate/cashu/nuts/nut03"
	"github.com/tunegate/tunegate/cashu/nuts/nut04"
	"github.com/tunegate/tunegate/cashu/nuts/nut06"
	"github.com/tunegate/tunegate/cashu/nuts/nut07"
)

// MintClient talks to a single mint over its HTTP surface. Network
// failures are retried up to the configured budget; errors reported by
// the mint itself are returned as cashu.Error and never retried.
type MintClient struct {
	mintURL     string
	httpClient  *http.Client
	retryBudget int
}

func NewMintClient(mintURL string, retryBudget int) *MintClient {
	return &MintClient{
		mintURL:     cashu.NormalizeMintURL(mintURL),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		retryBudget: retryBudget,
	}
}

func (c *MintClient) MintURL() string {
	return c.mintURL
}

func (c *MintClient) GetMintInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var mintInfo nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &mintInfo); err != nil {
		return nil, err
	}
	return &mintInfo, nil
}

func (c *MintClient) GetActiveKeysets(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *MintClient) GetAllKeysets(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *MintClient) GetKeysetById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+id, &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func (c *MintClient) CreateMintQuote(ctx context.Context, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var reqMintResponse nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", mintQuoteRequest, &reqMintResponse); err != nil {
		return nil, err
	}
	return &reqMintResponse, nil
}

func (c *MintClient) GetMintQuoteState(ctx context.Context, quoteId string) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+quoteId, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func (c *MintClient) MintTokens(ctx context.Context, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {
	var reqMintResponse nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", mintRequest, &reqMintResponse); err != nil {
		return nil, err
	}
	if len(reqMintResponse.Signatures) != len(mintRequest.Outputs) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs",
			len(reqMintResponse.Signatures), len(mintRequest.Outputs))
	}
	return &reqMintResponse, nil
}

func (c *MintClient) Swap(ctx context.Context, swapRequest nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	if len(swapResponse.Signatures) != len(swapRequest.Outputs) {
		return nil, fmt.Errorf("mint returned %d signatures for %d outputs",
			len(swapResponse.Signatures), len(swapRequest.Outputs))
	}
	return &swapResponse, nil
}

func (c *MintClient) CheckProofStates(ctx context.Context, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateResponse nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func (c *MintClient) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *MintClient) post(ctx context.Context, path string, reqBody any, result any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *MintClient) do(ctx context.Context, method, path string, body []byte, result any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryBudget; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.mintURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// network error: retry within budget
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusBadRequest {
			var errResponse cashu.Error
			if err := json.Unmarshal(respBody, &errResponse); err != nil {
				return fmt.Errorf("could not decode error response from mint: %v", err)
			}
			return errResponse
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("mint responded %d: %s", resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("error reading response from mint: %v", err)
		}
		return nil
	}
	return wrapError(CodeMintUnreachable, "", lastErr)
}
