// Package analyzers holds the pure computation stage of the pipeline:
// realized P&L, behavior profiling and wallet similarity over swap analysis
// inputs. No I/O; identical inputs always produce identical outputs.
package analyzers

import (
	"math"
	"sort"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
)

// hoursPerDay converts observed spans to daily rates.
const hoursPerDay = 24.0

// Behavior pattern labels, ordered by typical hold duration.
const (
	PatternInactive = "inactive"
	PatternScalper  = "scalper"
	PatternDay      = "day_trader"
	PatternSwing    = "swing"
	PatternPosition = "position"
)

// ComputePnl aggregates swap inputs into per-token results and the wallet
// summary. Results come back sorted by mint.
func ComputePnl(wallet string, inputs []domain.SwapAnalysisInput, runID int64, analyzedAt time.Time) ([]domain.TokenResult, domain.PnlSummary) {
	byMint := make(map[string]*domain.TokenResult)

	for _, input := range inputs {
		result, ok := byMint[input.Mint]
		if !ok {
			result = &domain.TokenResult{
				WalletAddress:   wallet,
				Mint:            input.Mint,
				FirstTradeAt:    input.BlockTime,
				LastTradeAt:     input.BlockTime,
				LastAnalyzedRun: runID,
			}
			byMint[input.Mint] = result
		}

		switch input.Direction {
		case domain.DirectionIn:
			result.BuyCount++
			result.SolSpent += input.SolValue
		case domain.DirectionOut:
			result.SellCount++
			result.SolReceived += input.SolValue
		}

		if input.BlockTime.Before(result.FirstTradeAt) {
			result.FirstTradeAt = input.BlockTime
		}

		if input.BlockTime.After(result.LastTradeAt) {
			result.LastTradeAt = input.BlockTime
		}
	}

	results := make([]domain.TokenResult, 0, len(byMint))
	summary := domain.PnlSummary{
		WalletAddress:  wallet,
		TokensTraded:   len(byMint),
		LastAnalyzedAt: analyzedAt,
	}

	wins := 0

	for _, result := range byMint {
		result.RealizedPnl = result.SolReceived - result.SolSpent

		summary.TotalPnl += result.RealizedPnl
		summary.TotalSolVolume += result.SolSpent + result.SolReceived

		if result.RealizedPnl > 0 {
			wins++
		}

		results = append(results, *result)
	}

	if len(byMint) > 0 {
		summary.WinRate = float64(wins) / float64(len(byMint))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Mint < results[j].Mint
	})

	return results, summary
}

// ComputeBehavior derives the wallet's trading cadence profile.
func ComputeBehavior(wallet string, inputs []domain.SwapAnalysisInput, analyzedAt time.Time) domain.BehaviorProfile {
	profile := domain.BehaviorProfile{
		WalletAddress: wallet,
		Pattern:       PatternInactive,
		UpdatedAt:     analyzedAt,
	}

	if len(inputs) == 0 {
		return profile
	}

	first, last := inputs[0].BlockTime, inputs[0].BlockTime
	buys, sells := 0, 0

	for _, input := range inputs {
		if input.BlockTime.Before(first) {
			first = input.BlockTime
		}

		if input.BlockTime.After(last) {
			last = input.BlockTime
		}

		switch input.Direction {
		case domain.DirectionIn:
			buys++
		case domain.DirectionOut:
			sells++
		}
	}

	spanDays := last.Sub(first).Hours() / hoursPerDay
	if spanDays < 1 {
		spanDays = 1
	}

	profile.TradesPerDay = float64(len(inputs)) / spanDays

	if sells > 0 {
		profile.BuySellRatio = float64(buys) / float64(sells)
	} else {
		profile.BuySellRatio = float64(buys)
	}

	profile.MedianHoldHours = medianHoldHours(inputs)
	profile.Pattern = pattern(profile.MedianHoldHours, sells)

	return profile
}

// medianHoldHours computes the median interval between a mint's first buy
// and its last sell, over mints that have both sides.
func medianHoldHours(inputs []domain.SwapAnalysisInput) float64 {
	type window struct {
		firstBuy time.Time
		lastSell time.Time
		hasBuy   bool
		hasSell  bool
	}

	byMint := make(map[string]*window)

	for _, input := range inputs {
		w, ok := byMint[input.Mint]
		if !ok {
			w = &window{}
			byMint[input.Mint] = w
		}

		switch input.Direction {
		case domain.DirectionIn:
			if !w.hasBuy || input.BlockTime.Before(w.firstBuy) {
				w.firstBuy = input.BlockTime
				w.hasBuy = true
			}
		case domain.DirectionOut:
			if !w.hasSell || input.BlockTime.After(w.lastSell) {
				w.lastSell = input.BlockTime
				w.hasSell = true
			}
		}
	}

	holds := make([]float64, 0, len(byMint))

	for _, w := range byMint {
		if w.hasBuy && w.hasSell && w.lastSell.After(w.firstBuy) {
			holds = append(holds, w.lastSell.Sub(w.firstBuy).Hours())
		}
	}

	if len(holds) == 0 {
		return 0
	}

	sort.Float64s(holds)

	mid := len(holds) / 2
	if len(holds)%2 == 1 {
		return holds[mid]
	}

	return (holds[mid-1] + holds[mid]) / 2
}

func pattern(medianHoldHours float64, sells int) string {
	if sells == 0 {
		return PatternPosition
	}

	switch {
	case medianHoldHours < 1:
		return PatternScalper
	case medianHoldHours < 24:
		return PatternDay
	case medianHoldHours < 7*24:
		return PatternSwing
	default:
		return PatternPosition
	}
}

// NetFlowVector builds the wallet's per-mint net SOL flow: positive for SOL
// received (sells), negative for SOL spent (buys).
func NetFlowVector(inputs []domain.SwapAnalysisInput) map[string]float64 {
	vector := make(map[string]float64)

	for _, input := range inputs {
		switch input.Direction {
		case domain.DirectionIn:
			vector[input.Mint] -= input.SolValue
		case domain.DirectionOut:
			vector[input.Mint] += input.SolValue
		}
	}

	return vector
}

// ComputeSimilarity is the cosine similarity of two net-flow vectors over
// the union of their mints. Empty vectors score zero.
func ComputeSimilarity(a, b map[string]float64) float64 {
	var dot, normA, normB float64

	for mint, av := range a {
		normA += av * av

		if bv, ok := b[mint]; ok {
			dot += av * bv
		}
	}

	for _, bv := range b {
		normB += bv * bv
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// PairScore is one entry of the pairwise similarity matrix.
type PairScore struct {
	WalletA string  `json:"walletA"`
	WalletB string  `json:"walletB"`
	Score   float64 `json:"score"`
}

// ComputePairwise scores every wallet pair, ordered lexicographically so the
// matrix is stable across runs.
func ComputePairwise(vectors map[string]map[string]float64) []PairScore {
	wallets := make([]string, 0, len(vectors))
	for wallet := range vectors {
		wallets = append(wallets, wallet)
	}

	sort.Strings(wallets)

	var scores []PairScore

	for i := range wallets {
		for j := i + 1; j < len(wallets); j++ {
			scores = append(scores, PairScore{
				WalletA: wallets[i],
				WalletB: wallets[j],
				Score:   ComputeSimilarity(vectors[wallets[i]], vectors[wallets[j]]),
			})
		}
	}

	return scores
}
