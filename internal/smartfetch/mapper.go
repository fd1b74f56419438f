// Package smartfetch fills a wallet's stored history up to a target count
// with two bounded provider phases, then maps parsed transactions into swap
// analysis inputs. Mapping is pure and deterministic: the same transactions
// always yield the same input set.
package smartfetch

import (
	"sort"

	"github.com/walletscope/walletscope/internal/domain"
)

// lamportsPerSol converts native transfer amounts to SOL.
const lamportsPerSol = 1_000_000_000.0

// MapStats summarizes one mapping pass.
type MapStats struct {
	// Swaps is the number of transactions that produced at least one input.
	Swaps int
	// Transfers is the number of plain transfers skipped.
	Transfers int
	// Skipped is the number of transactions the wallet was not party to, or
	// of types the mapper does not understand.
	Skipped int
	// ForeignFeePayer counts swaps where the wallet was involved but did not
	// pay the fee, usually aggregator-routed trades.
	ForeignFeePayer int
}

// swapLeg accumulates one (direction, mint) aggregate inside a transaction.
type swapLeg struct {
	direction   domain.Direction
	mint        string
	tokenAmount float64
}

// MapTransactions derives swap analysis inputs for the wallet from parsed
// transactions. One transaction yields at most one input per
// (direction, mint) pair; token amounts are aggregated within the
// transaction. SOL value is taken from the wallet's native flow in the
// opposite direction of the token leg.
func MapTransactions(wallet string, txs []domain.ParsedTransaction) ([]domain.SwapAnalysisInput, MapStats) {
	var (
		inputs []domain.SwapAnalysisInput
		stats  MapStats
	)

	for _, tx := range txs {
		switch tx.Type {
		case domain.TxTypeSwap:
			legs, solIn, solOut := extractLegs(wallet, tx)
			if len(legs) == 0 {
				stats.Skipped++

				continue
			}

			stats.Swaps++

			if tx.FeePayer != wallet {
				stats.ForeignFeePayer++
			}

			for _, leg := range legs {
				// A bought token is paid for with outgoing SOL and vice versa.
				solValue := solOut
				if leg.direction == domain.DirectionOut {
					solValue = solIn
				}

				inputs = append(inputs, domain.SwapAnalysisInput{
					WalletAddress:   wallet,
					Signature:       tx.Signature,
					Direction:       leg.direction,
					Mint:            leg.mint,
					SolValue:        solValue,
					TokenAmount:     leg.tokenAmount,
					FeeLamports:     tx.Fee,
					InteractionType: tx.Source,
					BlockTime:       tx.BlockTime(),
				})
			}
		case domain.TxTypeTransfer:
			stats.Transfers++
		default:
			stats.Skipped++
		}
	}

	return inputs, stats
}

// extractLegs aggregates the wallet's token movements per (direction, mint)
// and sums its native SOL flow in each direction. Legs come back in a stable
// order: direction, then mint.
func extractLegs(wallet string, tx domain.ParsedTransaction) (legs []swapLeg, solIn, solOut float64) {
	byKey := make(map[swapKey]*swapLeg)

	for _, transfer := range tx.TokenTransfers {
		var direction domain.Direction

		switch {
		case transfer.ToUserAccount == wallet:
			direction = domain.DirectionIn
		case transfer.FromUserAccount == wallet:
			direction = domain.DirectionOut
		default:
			continue
		}

		key := swapKey{direction: direction, mint: transfer.Mint}

		leg, ok := byKey[key]
		if !ok {
			leg = &swapLeg{direction: direction, mint: transfer.Mint}
			byKey[key] = leg
		}

		leg.tokenAmount += transfer.TokenAmount
	}

	for _, transfer := range tx.NativeTransfers {
		amount := float64(transfer.Amount) / lamportsPerSol

		if transfer.ToUserAccount == wallet {
			solIn += amount
		}

		if transfer.FromUserAccount == wallet {
			solOut += amount
		}
	}

	legs = make([]swapLeg, 0, len(byKey))
	for _, leg := range byKey {
		legs = append(legs, *leg)
	}

	sort.Slice(legs, func(i, j int) bool {
		if legs[i].direction != legs[j].direction {
			return legs[i].direction < legs[j].direction
		}

		return legs[i].mint < legs[j].mint
	})

	return legs, solIn, solOut
}

type swapKey struct {
	direction domain.Direction
	mint      string
}
