package cashu

import (
	"fmt"
	"strings"
)

// TokenValidationOptions are the expectations a token can be checked
// against before handing it to a counterparty.
type TokenValidationOptions struct {
	ExpectedMint string
	ExpectedUnit string
	MinAmount    uint64
	MaxAmount    uint64
}

type TokenValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	// set when the token decoded, even if invalid against expectations
	Mint   string
	Unit   string
	Amount uint64
	Count  int
}

// NormalizeMintURL strips trailing slashes so that equal mints with and
// without a trailing slash compare equal.
func NormalizeMintURL(mintURL string) string {
	return strings.TrimRight(mintURL, "/")
}

// ValidateTokenString decodes the token and checks it against the given
// expectations. A unit mismatch against an expected unit is an error; a
// missing unit against an expected one is only a warning.
func ValidateTokenString(tokenstr string, opts TokenValidationOptions) TokenValidationResult {
	result := TokenValidationResult{}

	token, err := DecodeToken(tokenstr)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	proofs := token.Proofs()
	result.Mint = token.Mint()
	result.Unit = token.Unit()
	result.Amount = token.Amount()
	result.Count = len(proofs)

	if len(proofs) == 0 {
		result.Errors = append(result.Errors, ErrEmptyToken.Error())
	}
	for _, proof := range proofs {
		if proof.Amount == 0 {
			result.Errors = append(result.Errors, "proof with zero amount")
			break
		}
	}

	if opts.ExpectedMint != "" &&
		NormalizeMintURL(opts.ExpectedMint) != NormalizeMintURL(token.Mint()) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("mint mismatch: expected '%v' but token is from '%v'", opts.ExpectedMint, token.Mint()))
	}

	if opts.ExpectedUnit != "" {
		switch token.Unit() {
		case "":
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("token does not declare a unit, expected '%v'", opts.ExpectedUnit))
		case opts.ExpectedUnit:
		default:
			result.Errors = append(result.Errors,
				fmt.Sprintf("unit mismatch: expected '%v' but token has '%v'", opts.ExpectedUnit, token.Unit()))
		}
	}

	if opts.MinAmount > 0 && result.Amount < opts.MinAmount {
		result.Errors = append(result.Errors,
			fmt.Sprintf("token amount %v below minimum %v", result.Amount, opts.MinAmount))
	}
	if opts.MaxAmount > 0 && result.Amount > opts.MaxAmount {
		result.Errors = append(result.Errors,
			fmt.Sprintf("token amount %v above maximum %v", result.Amount, opts.MaxAmount))
	}

	result.Valid = len(result.Errors) == 0
	return result
}
