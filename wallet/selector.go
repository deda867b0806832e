package wallet

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sort"

	"github.com/tunegate/tunegate/cashu"
)

type SelectionStrategy int

const (
	SmallestFirst SelectionStrategy = iota
	LargestFirst
	ExactMatch
	Random
)

func (s SelectionStrategy) String() string {
	switch s {
	case SmallestFirst:
		return "smallest-first"
	case LargestFirst:
		return "largest-first"
	case ExactMatch:
		return "exact-match"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// exact-match subset search is bounded; past this many candidate
// proofs it falls back to smallest-first
const exactMatchMaxProofs = 20

type SelectionResult struct {
	Selected  cashu.Proofs
	Remaining cashu.Proofs
}

// SelectProofs picks proofs summing to at least amount using the given
// strategy. Only exact-match searches for a selection summing exactly
// to the target; the other strategies may land on the exact sum or
// overshoot it. All strategies guarantee sum >= amount on success.
func SelectProofs(proofs cashu.Proofs, amount uint64, strategy SelectionStrategy) (SelectionResult, error) {
	if amount == 0 {
		return SelectionResult{Remaining: proofs}, nil
	}
	if proofs.Amount() < amount {
		return SelectionResult{}, insufficientBalance(proofs, amount)
	}

	switch strategy {
	case SmallestFirst:
		return selectSorted(proofs, amount, false), nil
	case LargestFirst:
		return selectSorted(proofs, amount, true), nil
	case ExactMatch:
		if result, ok := selectExact(proofs, amount); ok {
			return result, nil
		}
		return selectSorted(proofs, amount, false), nil
	case Random:
		return selectRandom(proofs, amount), nil
	default:
		return selectSorted(proofs, amount, false), nil
	}
}

func insufficientBalance(proofs cashu.Proofs, amount uint64) *InsufficientBalanceError {
	counts := make(map[uint64]uint)
	for _, proof := range proofs {
		counts[proof.Amount]++
	}
	shortfall := amount - proofs.Amount()
	return &InsufficientBalanceError{
		Requested:          amount,
		Available:          proofs.Amount(),
		DenominationCounts: counts,
		Suggestion: fmt.Sprintf("mint %d more %s to cover this payment",
			shortfall, credits(shortfall)),
	}
}

// selectSorted is a stable sort by amount followed by a greedy take
// until the target is covered.
func selectSorted(proofs cashu.Proofs, amount uint64, descending bool) SelectionResult {
	sorted := make(cashu.Proofs, len(proofs))
	copy(sorted, proofs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if descending {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].Amount < sorted[j].Amount
	})

	var sum uint64
	for i, proof := range sorted {
		sum += proof.Amount
		if sum >= amount {
			return SelectionResult{
				Selected:  sorted[:i+1],
				Remaining: sorted[i+1:],
			}
		}
	}
	// unreachable: total checked by the caller
	return SelectionResult{Selected: sorted}
}

func selectRandom(proofs cashu.Proofs, amount uint64) SelectionResult {
	shuffled := make(cashu.Proofs, len(proofs))
	copy(shuffled, proofs)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var sum uint64
	for i, proof := range shuffled {
		sum += proof.Amount
		if sum >= amount {
			return SelectionResult{
				Selected:  shuffled[:i+1],
				Remaining: shuffled[i+1:],
			}
		}
	}
	return SelectionResult{Selected: shuffled}
}

// selectExact searches for a subset summing exactly to amount,
// preferring the smallest cardinality. The search is bounded to keep
// the worst case tractable.
func selectExact(proofs cashu.Proofs, amount uint64) (SelectionResult, bool) {
	if len(proofs) > exactMatchMaxProofs {
		return SelectionResult{}, false
	}

	// single proof fast path
	for i, proof := range proofs {
		if proof.Amount == amount {
			remaining := make(cashu.Proofs, 0, len(proofs)-1)
			remaining = append(remaining, proofs[:i]...)
			remaining = append(remaining, proofs[i+1:]...)
			return SelectionResult{
				Selected:  cashu.Proofs{proof},
				Remaining: remaining,
			}, true
		}
	}

	var bestMask uint32
	bestCount := len(proofs) + 1
	for mask := uint32(1); mask < 1<<len(proofs); mask++ {
		count := bits.OnesCount32(mask)
		if count >= bestCount {
			continue
		}
		var sum uint64
		for i := 0; i < len(proofs); i++ {
			if mask&(1<<i) != 0 {
				sum += proofs[i].Amount
			}
		}
		if sum == amount {
			bestMask = mask
			bestCount = count
		}
	}
	if bestCount > len(proofs) {
		return SelectionResult{}, false
	}

	result := SelectionResult{}
	for i := 0; i < len(proofs); i++ {
		if bestMask&(1<<i) != 0 {
			result.Selected = append(result.Selected, proofs[i])
		} else {
			result.Remaining = append(result.Remaining, proofs[i])
		}
	}
	return result, true
}
