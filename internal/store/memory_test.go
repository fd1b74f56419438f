package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/store"
)

const testWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func seedSignatures(n int, base time.Time) []domain.SignatureInfo {
	sigs := make([]domain.SignatureInfo, n)
	for i := range sigs {
		sigs[i] = domain.SignatureInfo{
			Signature: string(rune('A'+i)) + "signature",
			Slot:      uint64(1000 + i),
			BlockTime: base.Add(time.Duration(i) * time.Minute),
		}
	}

	return sigs
}

func TestUpsertWalletIsIdempotent(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	first, err := s.UpsertWallet(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassUnknown, first.Classification)

	require.NoError(t, s.SetClassification(ctx, testWallet, domain.ClassNormal))

	again, err := s.UpsertWallet(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassNormal, again.Classification, "upsert must not reset an existing wallet")
}

func TestGetWalletNotFound(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()

	_, err := s.GetWallet(context.Background(), testWallet)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestInsertSignaturesIfAbsentDeduplicates(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpsertWallet(ctx, testWallet)
	require.NoError(t, err)

	sigs := seedSignatures(5, time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))

	inserted, err := s.InsertSignaturesIfAbsent(ctx, testWallet, sigs)
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)

	inserted, err = s.InsertSignaturesIfAbsent(ctx, testWallet, sigs)
	require.NoError(t, err)
	assert.Zero(t, inserted, "replayed insert must not create duplicates")

	count, err := s.CountTransactions(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestSignatureBoundaries(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := s.InsertSignaturesIfAbsent(ctx, testWallet, seedSignatures(3, base))
	require.NoError(t, err)

	newest, ok, err := s.NewestSignature(ctx, testWallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), newest.BlockTime)

	oldest, ok, err := s.OldestSignature(ctx, testWallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base, oldest.BlockTime)

	_, ok, err = s.NewestSignature(ctx, "unseen")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransactionCacheSharedAcrossWallets(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	txs := []domain.ParsedTransaction{
		{Signature: "sig-1", Slot: 10, Timestamp: 1700000000, Type: domain.TxTypeSwap},
		{Signature: "sig-2", Slot: 11, Timestamp: 1700000060, Type: domain.TxTypeTransfer},
	}

	inserted, err := s.InsertTransactionsIfAbsent(ctx, txs)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = s.InsertTransactionsIfAbsent(ctx, txs)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	cached, err := s.GetCachedTransactions(ctx, []string{"sig-1", "sig-2", "sig-3"})
	require.NoError(t, err)
	assert.Len(t, cached, 2)
	assert.Equal(t, domain.TxTypeSwap, cached["sig-1"].Type)
}

func TestInsertSwapInputsIfAbsentDeduplicates(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	inputs := []domain.SwapAnalysisInput{
		{WalletAddress: testWallet, Signature: "sig-1", Direction: domain.DirectionIn, Mint: "mint-a", SolValue: 1.5, BlockTime: at},
		{WalletAddress: testWallet, Signature: "sig-1", Direction: domain.DirectionOut, Mint: "mint-b", SolValue: 1.4, BlockTime: at},
	}

	inserted, err := s.InsertSwapInputsIfAbsent(ctx, inputs)
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = s.InsertSwapInputsIfAbsent(ctx, inputs)
	require.NoError(t, err)
	assert.Zero(t, inserted, "replayed mapper output must not duplicate rows")
}

func TestGetSwapInputsWindowAndOrder(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	inputs := []domain.SwapAnalysisInput{
		{WalletAddress: testWallet, Signature: "sig-3", Direction: domain.DirectionIn, Mint: "m", BlockTime: base.Add(48 * time.Hour)},
		{WalletAddress: testWallet, Signature: "sig-1", Direction: domain.DirectionIn, Mint: "m", BlockTime: base},
		{WalletAddress: testWallet, Signature: "sig-2", Direction: domain.DirectionIn, Mint: "m", BlockTime: base.Add(24 * time.Hour)},
	}

	_, err := s.InsertSwapInputsIfAbsent(ctx, inputs)
	require.NoError(t, err)

	got, err := s.GetSwapInputs(ctx, testWallet, domain.TimeRange{From: base.Add(12 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sig-2", got[0].Signature)
	assert.Equal(t, "sig-3", got[1].Signature)

	all, err := s.GetSwapInputs(ctx, testWallet, domain.TimeRange{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "zero range means unbounded")
}

func TestAnalysisRunLifecycle(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.UpsertWallet(ctx, testWallet)
	require.NoError(t, err)

	runID, err := s.StartAnalysisRun(ctx, testWallet, domain.ScopeFlash)
	require.NoError(t, err)

	latest, err := s.LatestSuccessfulRun(ctx, testWallet, domain.ScopeFlash)
	require.NoError(t, err)
	assert.Nil(t, latest, "RUNNING runs are not successful")

	analyzedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	completion := store.RunCompletion{
		RunID:         runID,
		WalletAddress: testWallet,
		InputCount:    4,
		Results: []domain.TokenResult{
			{WalletAddress: testWallet, Mint: "mint-a", RealizedPnl: 2.5, LastTradeAt: analyzedAt, LastAnalyzedRun: runID},
		},
		Summary:  domain.PnlSummary{WalletAddress: testWallet, TokensTraded: 1, TotalPnl: 2.5, LastAnalyzedAt: analyzedAt},
		Behavior: domain.BehaviorProfile{WalletAddress: testWallet, Pattern: "swing", UpdatedAt: analyzedAt},
	}
	require.NoError(t, s.CompleteAnalysisRun(ctx, completion))

	err = s.CompleteAnalysisRun(ctx, completion)
	require.Error(t, err, "a run completes at most once")

	latest, err = s.LatestSuccessfulRun(ctx, testWallet, domain.ScopeFlash)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, runID, latest.ID)
	assert.Equal(t, 4, latest.InputCount)

	summary, err := s.GetPnlSummary(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, analyzedAt, summary.LastAnalyzedAt)

	wallet, err := s.GetWallet(ctx, testWallet)
	require.NoError(t, err)
	require.NotNil(t, wallet.LastAnalyzedAt)
	assert.Equal(t, analyzedAt, *wallet.LastAnalyzedAt)
}

func TestFinishAnalysisRunFailurePath(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	runID, err := s.StartAnalysisRun(ctx, testWallet, domain.ScopeWorking)
	require.NoError(t, err)

	require.NoError(t, s.FinishAnalysisRun(ctx, runID, domain.RunFailed, 0))

	latest, err := s.LatestSuccessfulRun(ctx, testWallet, domain.ScopeWorking)
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = s.GetPnlSummary(ctx, testWallet)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err), "failed runs publish no results")
}

func TestReclaimStaleRuns(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	_, err := s.StartAnalysisRun(ctx, testWallet, domain.ScopeDeep)
	require.NoError(t, err)

	reclaimed, err := s.ReclaimStaleRuns(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reclaimed, "fresh runs are untouched")

	reclaimed, err = s.ReclaimStaleRuns(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}

func TestGetTokenResultsPagination(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	runID, err := s.StartAnalysisRun(ctx, testWallet, domain.ScopeFlash)
	require.NoError(t, err)

	results := make([]domain.TokenResult, 5)
	for i := range results {
		results[i] = domain.TokenResult{
			WalletAddress:   testWallet,
			Mint:            string(rune('a'+i)) + "-mint",
			LastTradeAt:     base.Add(time.Duration(i) * time.Hour),
			LastAnalyzedRun: runID,
		}
	}

	require.NoError(t, s.CompleteAnalysisRun(ctx, store.RunCompletion{
		RunID:         runID,
		WalletAddress: testWallet,
		InputCount:    5,
		Results:       results,
		Summary:       domain.PnlSummary{WalletAddress: testWallet, LastAnalyzedAt: base},
		Behavior:      domain.BehaviorProfile{WalletAddress: testWallet},
	}))

	page, err := s.GetTokenResults(ctx, testWallet, store.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "d-mint", page[0].Mint, "ordered by most recent trade first")
	assert.Equal(t, "c-mint", page[1].Mint)

	empty, err := s.GetTokenResults(ctx, testWallet, store.Page{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecentMints(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	inputs := []domain.SwapAnalysisInput{
		{WalletAddress: testWallet, Signature: "s1", Direction: domain.DirectionIn, Mint: "mint-old", BlockTime: base},
		{WalletAddress: testWallet, Signature: "s2", Direction: domain.DirectionIn, Mint: "mint-new", BlockTime: base.Add(2 * time.Hour)},
		{WalletAddress: testWallet, Signature: "s3", Direction: domain.DirectionOut, Mint: "mint-old", BlockTime: base.Add(time.Hour)},
	}

	_, err := s.InsertSwapInputsIfAbsent(ctx, inputs)
	require.NoError(t, err)

	mints, err := s.RecentMints(ctx, testWallet, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"mint-new", "mint-old"}, mints)

	limited, err := s.RecentMints(ctx, testWallet, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"mint-new"}, limited)
}

func TestUpsertTokenMetadata(t *testing.T) {
	t.Parallel()

	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertTokenMetadata(ctx, []domain.TokenMetadata{
		{Mint: "mint-a", Symbol: "AAA", PriceUSD: 1.0},
	}))
	require.NoError(t, s.UpsertTokenMetadata(ctx, []domain.TokenMetadata{
		{Mint: "mint-a", Symbol: "AAA", PriceUSD: 2.0},
	}))

	meta, ok := s.TokenMetadataFor("mint-a")
	require.True(t, ok)
	assert.Equal(t, 2.0, meta.PriceUSD, "metadata upserts replace prior rows")
}
