package smartfetch_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/smartfetch"
)

const (
	testWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	otherParty = "9aBCtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgZZZ"
	mintBonk   = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func swapTx(sig string, fee uint64) domain.ParsedTransaction {
	return domain.ParsedTransaction{
		Signature: sig,
		Timestamp: 1700000000,
		Fee:       fee,
		FeePayer:  testWallet,
		Type:      domain.TxTypeSwap,
		Source:    "JUPITER",
		TokenTransfers: []domain.TokenTransfer{
			{FromUserAccount: otherParty, ToUserAccount: testWallet, Mint: mintBonk, TokenAmount: 1000},
		},
		NativeTransfers: []domain.NativeTransfer{
			{FromUserAccount: testWallet, ToUserAccount: otherParty, Amount: 2_500_000_000},
		},
	}
}

func TestMapBuyLeg(t *testing.T) {
	t.Parallel()

	inputs, stats := smartfetch.MapTransactions(testWallet, []domain.ParsedTransaction{swapTx("sig-1", 5000)})
	require.Len(t, inputs, 1)

	leg := inputs[0]
	assert.Equal(t, domain.DirectionIn, leg.Direction)
	assert.Equal(t, mintBonk, leg.Mint)
	assert.InDelta(t, 2.5, leg.SolValue, 1e-9, "buy is valued by outgoing SOL")
	assert.InDelta(t, 1000, leg.TokenAmount, 1e-9)
	assert.Equal(t, uint64(5000), leg.FeeLamports)
	assert.Equal(t, "JUPITER", leg.InteractionType)

	assert.Equal(t, 1, stats.Swaps)
	assert.Zero(t, stats.ForeignFeePayer)
}

func TestMapSellLeg(t *testing.T) {
	t.Parallel()

	tx := domain.ParsedTransaction{
		Signature: "sig-2",
		Timestamp: 1700000100,
		FeePayer:  otherParty,
		Type:      domain.TxTypeSwap,
		TokenTransfers: []domain.TokenTransfer{
			{FromUserAccount: testWallet, ToUserAccount: otherParty, Mint: mintBonk, TokenAmount: 400},
		},
		NativeTransfers: []domain.NativeTransfer{
			{FromUserAccount: otherParty, ToUserAccount: testWallet, Amount: 1_000_000_000},
		},
	}

	inputs, stats := smartfetch.MapTransactions(testWallet, []domain.ParsedTransaction{tx})
	require.Len(t, inputs, 1)
	assert.Equal(t, domain.DirectionOut, inputs[0].Direction)
	assert.InDelta(t, 1.0, inputs[0].SolValue, 1e-9, "sell is valued by incoming SOL")
	assert.Equal(t, 1, stats.ForeignFeePayer)
}

func TestMapAggregatesSplitTransfers(t *testing.T) {
	t.Parallel()

	tx := swapTx("sig-3", 5000)
	tx.TokenTransfers = append(tx.TokenTransfers, domain.TokenTransfer{
		FromUserAccount: otherParty, ToUserAccount: testWallet, Mint: mintBonk, TokenAmount: 500,
	})

	inputs, _ := smartfetch.MapTransactions(testWallet, []domain.ParsedTransaction{tx})
	require.Len(t, inputs, 1, "split transfers of one mint collapse into one leg")
	assert.InDelta(t, 1500, inputs[0].TokenAmount, 1e-9)
}

func TestMapSkipsUninvolvedAndNonSwaps(t *testing.T) {
	t.Parallel()

	uninvolved := swapTx("sig-4", 0)
	uninvolved.TokenTransfers = []domain.TokenTransfer{
		{FromUserAccount: otherParty, ToUserAccount: otherParty, Mint: mintBonk, TokenAmount: 10},
	}

	txs := []domain.ParsedTransaction{
		uninvolved,
		{Signature: "sig-5", Type: domain.TxTypeTransfer},
		{Signature: "sig-6", Type: domain.TxTypeUnknown},
	}

	inputs, stats := smartfetch.MapTransactions(testWallet, txs)
	assert.Empty(t, inputs)
	assert.Equal(t, 1, stats.Transfers)
	assert.Equal(t, 2, stats.Skipped)
	assert.Zero(t, stats.Swaps)
}

func TestMapIsDeterministic(t *testing.T) {
	t.Parallel()

	tx := swapTx("sig-7", 5000)
	tx.TokenTransfers = append(tx.TokenTransfers,
		domain.TokenTransfer{FromUserAccount: testWallet, ToUserAccount: otherParty, Mint: "mint-other", TokenAmount: 3},
		domain.TokenTransfer{FromUserAccount: testWallet, ToUserAccount: otherParty, Mint: "mint-aaa", TokenAmount: 7},
	)

	first, _ := smartfetch.MapTransactions(testWallet, []domain.ParsedTransaction{tx})
	second, _ := smartfetch.MapTransactions(testWallet, []domain.ParsedTransaction{tx})

	require.Equal(t, first, second, "mapping twice yields identical output")
	require.Len(t, first, 3)
	assert.Equal(t, domain.DirectionIn, first[0].Direction)
	assert.Equal(t, "mint-aaa", first[1].Mint, "legs ordered by direction then mint")
}
