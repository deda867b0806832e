package paywall

import (
	"context"
	"errors"
)

// WalletService is the slice of the wallet the payment flow drives:
// exact-amount tokens under deferred debit, settlement resolution and
// change redemption.
type WalletService interface {
	PrepareTokenForContent(ctx context.Context, contentID string, amount uint64) (string, error)
	ResolvePending(contentID string, spent bool)
	Receive(ctx context.Context, token string) (uint64, error)
}

// PayForContent runs the optimistic payment flow: build an exact token,
// mark its proofs pending, post it, and resolve on the outcome. A 402
// or explicit rejection frees the proofs; an ambiguous network failure
// leaves them pending for the recovery timer to reconcile.
func (c *Client) PayForContent(ctx context.Context, w WalletService, contentID string, price uint64) (*ContentResponse, error) {
	token, err := w.PrepareTokenForContent(ctx, contentID, price)
	if err != nil {
		return nil, err
	}

	resp, err := c.Request(ctx, contentID, token)
	if err != nil {
		var paymentRequired *PaymentRequiredError
		var serverErr *ServerError
		switch {
		case errors.As(err, &paymentRequired):
			// the server did not take the payment
			w.ResolvePending(contentID, false)
		case errors.As(err, &serverErr) && serverErr.StatusCode >= 400 && serverErr.StatusCode < 500:
			w.ResolvePending(contentID, false)
		default:
			// settlement unknown; leave the proofs pending
		}
		return nil, err
	}

	w.ResolvePending(contentID, true)

	if resp.ChangeToken != "" {
		// change redemption is best effort; the token stays valid
		if _, err := w.Receive(ctx, resp.ChangeToken); err != nil {
			return resp, nil
		}
	}
	return resp, nil
}
