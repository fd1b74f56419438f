package jobs_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletscope/walletscope/internal/classifier"
	"github.com/walletscope/walletscope/internal/domain"
	"github.com/walletscope/walletscope/internal/jobs"
	"github.com/walletscope/walletscope/internal/lock"
	"github.com/walletscope/walletscope/internal/queue"
	"github.com/walletscope/walletscope/internal/scheduler"
	"github.com/walletscope/walletscope/internal/smartfetch"
	"github.com/walletscope/walletscope/internal/store"
)

const (
	walletOne   = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletTwo   = "GThUX1Atko4tqhN2NaiTazWSeFWMuiUvfFnyJyUghFMJ"
	walletGone  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	walletThree = "5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1"
	otherParty  = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	mintBonk    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintWif     = "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm"
)

// memLocker mirrors the Redis lock semantics in memory. Await reports the
// timeout kind for keys listed in stuck.
type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	stuck map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string), stuck: make(map[string]bool)}
}

func (m *memLocker) TryAcquire(_ context.Context, key, holder string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.held[key]
	if ok && current != holder {
		return false, nil
	}

	m.held[key] = holder

	return true, nil
}

func (m *memLocker) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[key] == holder {
		delete(m.held, key)
	}

	return nil
}

func (m *memLocker) Await(_ context.Context, key string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stuck[key] {
		return domain.Errorf(domain.KindTimeout, "lock %s still held after %s", key, timeout)
	}

	return nil
}

func (m *memLocker) holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.held[key]
}

// fakeChain serves a fixed history, newest first, honoring the provider's
// before/until cursors.
type fakeChain struct {
	history []domain.SignatureInfo
}

func (f *fakeChain) FetchSignatures(_ context.Context, _ string, limit int, before, until string) ([]domain.SignatureInfo, error) {
	var out []domain.SignatureInfo

	collecting := before == ""

	for _, sig := range f.history {
		if !collecting {
			if sig.Signature == before {
				collecting = true
			}

			continue
		}

		if until != "" && sig.Signature == until {
			break
		}

		out = append(out, sig)

		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (f *fakeChain) FetchParsedDetails(_ context.Context, signatures []string) (map[string]domain.ParsedTransaction, error) {
	details := make(map[string]domain.ParsedTransaction, len(signatures))

	for _, sig := range signatures {
		for _, known := range f.history {
			if known.Signature != sig {
				continue
			}

			details[sig] = domain.ParsedTransaction{
				Signature: sig,
				Slot:      known.Slot,
				Timestamp: known.BlockTime.Unix(),
				FeePayer:  walletOne,
				Type:      domain.TxTypeSwap,
				TokenTransfers: []domain.TokenTransfer{
					{FromUserAccount: otherParty, ToUserAccount: walletOne, Mint: mintBonk, TokenAmount: 1},
				},
				NativeTransfers: []domain.NativeTransfer{
					{FromUserAccount: walletOne, ToUserAccount: otherParty, Amount: 1_000_000_000},
				},
			}
		}
	}

	return details, nil
}

type fakeMetadata struct {
	requested [][]string
}

func (f *fakeMetadata) GetTokenMetadata(_ context.Context, mints []string) ([]domain.TokenMetadata, error) {
	f.requested = append(f.requested, mints)

	metadata := make([]domain.TokenMetadata, len(mints))
	for i, mint := range mints {
		metadata[i] = domain.TokenMetadata{Mint: mint, Symbol: "TOK", Name: "Token", PriceUSD: 1.5}
	}

	return metadata, nil
}

func chainHistory(n int, newest time.Time) []domain.SignatureInfo {
	history := make([]domain.SignatureInfo, n)
	for i := range history {
		history[i] = domain.SignatureInfo{
			Signature: fmt.Sprintf("sig-%03d", n-i),
			Slot:      uint64(n - i),
			BlockTime: newest.Add(-time.Duration(i) * time.Hour),
		}
	}

	return history
}

func newSet(t *testing.T, st store.Store, locks *memLocker, chain *fakeChain, metadata jobs.MetadataProvider) *jobs.Set {
	t.Helper()

	capper := classifier.New(classifier.Options{Store: st})

	return jobs.NewSet(jobs.SetOptions{
		Store:      st,
		Locks:      locks,
		Controller: smartfetch.NewController(chain, st, capper, nil),
		Classifier: capper,
		Metadata:   metadata,
	})
}

func jobContext(t *testing.T, id, kind string, payload any) *queue.JobContext {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return queue.NewDetachedJobContext(&queue.Job{
		ID:          id,
		Kind:        kind,
		Payload:     raw,
		State:       queue.StateActive,
		Attempts:    1,
		MaxAttempts: queue.DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	})
}

func swapInputs(address string, mints []string) []domain.SwapAnalysisInput {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	inputs := make([]domain.SwapAnalysisInput, len(mints))

	for i, mint := range mints {
		inputs[i] = domain.SwapAnalysisInput{
			WalletAddress: address,
			Signature:     fmt.Sprintf("%s-swap-%d", address[:6], i),
			Direction:     domain.DirectionIn,
			Mint:          mint,
			SolValue:      2,
			TokenAmount:   100,
			BlockTime:     base.Add(time.Duration(i) * time.Hour),
		}
	}

	return inputs
}

func seedSwaps(t *testing.T, st store.Store, address string, mints []string) {
	t.Helper()

	_, err := st.InsertSwapInputsIfAbsent(context.Background(), swapInputs(address, mints))
	require.NoError(t, err)
}

func TestSyncWalletFillsHistory(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	locks := newMemLocker()
	chain := &fakeChain{history: chainHistory(20, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))}
	set := newSet(t, st, locks, chain, nil)
	ctx := context.Background()

	jc := jobContext(t, "sync-1", queue.KindSyncWallet, scheduler.SyncPayload{WalletAddress: walletOne})

	value, err := set.SyncWallet(ctx, jc)
	require.NoError(t, err)

	result, ok := value.(jobs.SyncResult)
	require.True(t, ok)
	assert.Equal(t, 20, result.StoreCount)
	assert.Equal(t, 20, result.OlderFetched)

	wallet, err := st.GetWallet(ctx, walletOne)
	require.NoError(t, err)
	assert.Equal(t, 1, wallet.SyncCount)

	assert.Empty(t, locks.holder(lock.WalletSyncKey(walletOne)), "the sync lock is released")
}

func TestSyncWalletLockedElsewhere(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	locks := newMemLocker()
	set := newSet(t, st, locks, &fakeChain{}, nil)
	ctx := context.Background()

	held, err := locks.TryAcquire(ctx, lock.WalletSyncKey(walletOne), "other-job", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	jc := jobContext(t, "sync-2", queue.KindSyncWallet, scheduler.SyncPayload{WalletAddress: walletOne})

	_, err = set.SyncWallet(ctx, jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindAlreadyRunning, domain.KindOf(err))
	assert.Equal(t, "other-job", locks.holder(lock.WalletSyncKey(walletOne)))
}

func TestSyncWalletRejectsInvalidAddress(t *testing.T) {
	t.Parallel()

	set := newSet(t, store.NewMemoryStore(), newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sync-3", queue.KindSyncWallet, scheduler.SyncPayload{WalletAddress: "nope"})

	_, err := set.SyncWallet(context.Background(), jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestSyncWalletRejectsRestricted(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	ctx := context.Background()
	_, err := st.UpsertWallet(ctx, walletOne)
	require.NoError(t, err)
	require.NoError(t, st.SetClassification(ctx, walletOne, domain.ClassRestricted))

	set := newSet(t, st, newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sync-4", queue.KindSyncWallet, scheduler.SyncPayload{WalletAddress: walletOne})

	_, err = set.SyncWallet(ctx, jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindRestricted, domain.KindOf(err))
}

func TestSimilarityComputesPairs(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	seedSwaps(t, st, walletOne, []string{mintBonk, mintWif})
	seedSwaps(t, st, walletTwo, []string{mintBonk, mintWif})

	set := newSet(t, st, newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sim-1", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses: []string{walletTwo, walletOne},
	})

	value, err := set.Similarity(context.Background(), jc)
	require.NoError(t, err)

	result, ok := value.(jobs.SimilarityResult)
	require.True(t, ok)
	assert.Equal(t, jobs.VectorTypeNetFlow, result.VectorType)
	assert.Empty(t, result.FailedWallets)

	require.Len(t, result.Pairs, 1)
	assert.InDelta(t, 1.0, result.Pairs[0].Score, 1e-9, "identical trading yields full similarity")

	require.Len(t, result.Wallets, 2)
	assert.Less(t, result.Wallets[0], result.Wallets[1], "wallet order is deterministic")
}

func TestSimilarityToleratesFailuresWithinThreshold(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	seedSwaps(t, st, walletOne, []string{mintBonk})
	seedSwaps(t, st, walletTwo, []string{mintBonk})

	set := newSet(t, st, newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sim-2", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses:  []string{walletOne, walletTwo, walletGone},
		FailureThreshold: 1,
	})

	value, err := set.Similarity(context.Background(), jc)
	require.NoError(t, err)

	result, ok := value.(jobs.SimilarityResult)
	require.True(t, ok)
	assert.Equal(t, []string{walletGone}, result.FailedWallets)
	assert.Len(t, result.Pairs, 1)
}

func TestSimilarityFailsBeyondThreshold(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	seedSwaps(t, st, walletOne, []string{mintBonk})
	seedSwaps(t, st, walletTwo, []string{mintBonk})

	set := newSet(t, st, newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sim-3", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses: []string{walletOne, walletTwo, walletGone},
	})

	_, err := set.Similarity(context.Background(), jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
}

// asyncScheduler lands the chained analysis's inputs after a delay, the way
// a worker on another queue would.
type asyncScheduler struct {
	st    store.Store
	delay time.Duration
	mints []string

	mu        sync.Mutex
	scheduled []string
}

func (a *asyncScheduler) Schedule(_ context.Context, req scheduler.Request) (scheduler.Result, error) {
	a.mu.Lock()
	a.scheduled = append(a.scheduled, req.WalletAddress)
	a.mu.Unlock()

	go func() {
		time.Sleep(a.delay)
		_, _ = a.st.InsertSwapInputsIfAbsent(context.Background(), swapInputs(req.WalletAddress, a.mints))
	}()

	return scheduler.Result{JobID: "job-" + req.WalletAddress[:6]}, nil
}

func (a *asyncScheduler) walletsScheduled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.scheduled...)
}

func TestSimilarityWaitsForChainedAnalysis(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	seedSwaps(t, st, walletOne, []string{mintBonk})

	capper := classifier.New(classifier.Options{Store: st})
	sched := &asyncScheduler{st: st, delay: 60 * time.Millisecond, mints: []string{mintBonk}}

	set := jobs.NewSet(jobs.SetOptions{
		Store:              st,
		Locks:              newMemLocker(),
		Controller:         smartfetch.NewController(&fakeChain{}, st, capper, nil),
		Classifier:         capper,
		Scheduler:          sched,
		GatherPollInterval: 10 * time.Millisecond,
	})

	jc := jobContext(t, "sim-wait", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses: []string{walletOne, walletTwo},
	})

	value, err := set.Similarity(context.Background(), jc)
	require.NoError(t, err)

	result, ok := value.(jobs.SimilarityResult)
	require.True(t, ok)
	assert.Empty(t, result.FailedWallets, "a wallet whose analysis is in flight is awaited, not failed")
	assert.Len(t, result.Pairs, 1)
	assert.ElementsMatch(t, []string{walletOne, walletTwo}, sched.walletsScheduled())
}

func TestSimilarityCountsStuckSyncAsFailure(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	seedSwaps(t, st, walletOne, []string{mintBonk})
	seedSwaps(t, st, walletTwo, []string{mintBonk})

	seedSwaps(t, st, walletThree, []string{mintBonk})

	locks := newMemLocker()
	locks.stuck[lock.WalletSyncKey(walletThree)] = true

	set := newSet(t, st, locks, &fakeChain{}, nil)

	jc := jobContext(t, "sim-4", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses:  []string{walletOne, walletTwo, walletThree},
		FailureThreshold: 1,
	})

	value, err := set.Similarity(context.Background(), jc)
	require.NoError(t, err)

	result, ok := value.(jobs.SimilarityResult)
	require.True(t, ok)
	assert.Equal(t, []string{walletThree}, result.FailedWallets)
	assert.Len(t, result.Pairs, 1, "the stuck wallet drops out of the matrix")
}

func TestSimilarityNeedsTwoWallets(t *testing.T) {
	t.Parallel()

	set := newSet(t, store.NewMemoryStore(), newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sim-5", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses: []string{walletOne},
	})

	_, err := set.Similarity(context.Background(), jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestSimilarityRejectsUnknownVectorType(t *testing.T) {
	t.Parallel()

	set := newSet(t, store.NewMemoryStore(), newMemLocker(), &fakeChain{}, nil)

	jc := jobContext(t, "sim-6", queue.KindSimilarity, scheduler.SimilarityPayload{
		WalletAddresses: []string{walletOne, walletTwo},
		VectorType:      "token-overlap",
	})

	_, err := set.Similarity(context.Background(), jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestEnrichTokensUpsertsMetadata(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	metadata := &fakeMetadata{}
	set := newSet(t, st, newMemLocker(), &fakeChain{}, metadata)

	jc := jobContext(t, "enrich-1", queue.KindEnrichTokens, scheduler.EnrichPayload{
		TokenMints: []string{mintBonk, mintWif, mintBonk, ""},
	})

	value, err := set.EnrichTokens(context.Background(), jc)
	require.NoError(t, err)

	result, ok := value.(jobs.EnrichResult)
	require.True(t, ok)
	assert.Equal(t, 2, result.Requested, "duplicates and blanks are dropped")
	assert.Equal(t, 2, result.Enriched)

	require.Len(t, metadata.requested, 1)
	assert.Equal(t, []string{mintBonk, mintWif}, metadata.requested[0])

	stored, found := st.TokenMetadataFor(mintBonk)
	require.True(t, found)
	assert.Equal(t, 1.5, stored.PriceUSD)
}

func TestEnrichTokensRejectsEmptyList(t *testing.T) {
	t.Parallel()

	set := newSet(t, store.NewMemoryStore(), newMemLocker(), &fakeChain{}, &fakeMetadata{})

	jc := jobContext(t, "enrich-2", queue.KindEnrichTokens, scheduler.EnrichPayload{TokenMints: []string{""}})

	_, err := set.EnrichTokens(context.Background(), jc)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestTimeoutForResolvesBudgets(t *testing.T) {
	t.Parallel()

	set := newSet(t, store.NewMemoryStore(), newMemLocker(), &fakeChain{}, nil)

	analyzeJob := func(scope domain.Scope) *queue.Job {
		raw, err := json.Marshal(scheduler.AnalyzePayload{WalletAddress: walletOne, Scope: scope})
		require.NoError(t, err)

		return &queue.Job{Kind: queue.KindAnalyzeWallet, Payload: raw}
	}

	assert.Equal(t, jobs.SyncTimeout, set.TimeoutFor(&queue.Job{Kind: queue.KindSyncWallet}))
	assert.Equal(t, 5*time.Minute, set.TimeoutFor(analyzeJob(domain.ScopeFlash)))
	assert.Equal(t, 15*time.Minute, set.TimeoutFor(analyzeJob(domain.ScopeDeep)))
	assert.Equal(t, jobs.EnrichTimeout, set.TimeoutFor(&queue.Job{Kind: queue.KindEnrichTokens}))
	assert.Equal(t, queue.DefaultJobTimeout, set.TimeoutFor(&queue.Job{Kind: "mystery"}))

	simRaw, err := json.Marshal(scheduler.SimilarityPayload{
		WalletAddresses: []string{walletOne, walletTwo},
		TimeoutMinutes:  45,
	})
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, set.TimeoutFor(&queue.Job{Kind: queue.KindSimilarity, Payload: simRaw}))

	defaultRaw, err := json.Marshal(scheduler.SimilarityPayload{WalletAddresses: []string{walletOne, walletTwo}})
	require.NoError(t, err)
	assert.Equal(t, jobs.DefaultSimilarityTimeout,
		set.TimeoutFor(&queue.Job{Kind: queue.KindSimilarity, Payload: defaultRaw}))
}
