package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/walletscope/walletscope/internal/domain"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and local
// development. It mirrors the Postgres implementation's idempotency and
// ordering guarantees.
type MemoryStore struct {
	mu sync.Mutex

	wallets      map[string]*domain.Wallet
	signatures   map[string]map[string]domain.SignatureInfo
	transactions map[string]domain.ParsedTransaction
	swapInputs   map[string]map[swapKey]domain.SwapAnalysisInput
	runs         []*domain.AnalysisRun
	nextRunID    int64
	tokenResults map[string]map[string]domain.TokenResult
	summaries    map[string]domain.PnlSummary
	behaviors    map[string]domain.BehaviorProfile
	metadata     map[string]domain.TokenMetadata
}

type swapKey struct {
	signature string
	direction domain.Direction
	mint      string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*domain.Wallet),
		signatures:   make(map[string]map[string]domain.SignatureInfo),
		transactions: make(map[string]domain.ParsedTransaction),
		swapInputs:   make(map[string]map[swapKey]domain.SwapAnalysisInput),
		nextRunID:    1,
		tokenResults: make(map[string]map[string]domain.TokenResult),
		summaries:    make(map[string]domain.PnlSummary),
		behaviors:    make(map[string]domain.BehaviorProfile),
		metadata:     make(map[string]domain.TokenMetadata),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) UpsertWallet(_ context.Context, address string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[address]
	if !ok {
		wallet = &domain.Wallet{
			Address:        address,
			Classification: domain.ClassUnknown,
			CreatedAt:      time.Now().UTC(),
		}
		m.wallets[address] = wallet
	}

	copied := *wallet

	return &copied, nil
}

func (m *MemoryStore) GetWallet(_ context.Context, address string) (*domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[address]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "wallet %s not found", address)
	}

	copied := *wallet

	return &copied, nil
}

func (m *MemoryStore) SetClassification(_ context.Context, address string, class domain.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[address]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "wallet %s not found", address)
	}

	wallet.Classification = class

	return nil
}

func (m *MemoryStore) InsertSignaturesIfAbsent(_ context.Context, address string, sigs []domain.SignatureInfo) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.signatures[address]
	if !ok {
		existing = make(map[string]domain.SignatureInfo)
		m.signatures[address] = existing
	}

	inserted := 0

	for _, sig := range sigs {
		if _, dup := existing[sig.Signature]; dup {
			continue
		}

		existing[sig.Signature] = sig
		inserted++
	}

	return inserted, nil
}

func (m *MemoryStore) IncrementSyncCount(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, ok := m.wallets[address]
	if !ok {
		return domain.Errorf(domain.KindNotFound, "wallet %s not found", address)
	}

	wallet.SyncCount++

	return nil
}

func (m *MemoryStore) CountTransactions(_ context.Context, address string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.signatures[address]), nil
}

func (m *MemoryStore) NewestSignature(_ context.Context, address string) (domain.SignatureInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.boundarySignature(address, func(candidate, best domain.SignatureInfo) bool {
		return candidate.BlockTime.After(best.BlockTime)
	})
}

func (m *MemoryStore) OldestSignature(_ context.Context, address string) (domain.SignatureInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.boundarySignature(address, func(candidate, best domain.SignatureInfo) bool {
		return candidate.BlockTime.Before(best.BlockTime)
	})
}

func (m *MemoryStore) boundarySignature(address string, better func(candidate, best domain.SignatureInfo) bool) (domain.SignatureInfo, bool, error) {
	var best domain.SignatureInfo

	found := false

	for _, sig := range m.signatures[address] {
		if !found || better(sig, best) {
			best = sig
			found = true
		}
	}

	return best, found, nil
}

func (m *MemoryStore) InsertTransactionsIfAbsent(_ context.Context, txs []domain.ParsedTransaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0

	for _, tx := range txs {
		if _, dup := m.transactions[tx.Signature]; dup {
			continue
		}

		m.transactions[tx.Signature] = tx
		inserted++
	}

	return inserted, nil
}

func (m *MemoryStore) GetCachedTransactions(_ context.Context, signatures []string) (map[string]domain.ParsedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached := make(map[string]domain.ParsedTransaction, len(signatures))

	for _, sig := range signatures {
		if tx, ok := m.transactions[sig]; ok {
			cached[sig] = tx
		}
	}

	return cached, nil
}

func (m *MemoryStore) InsertSwapInputsIfAbsent(_ context.Context, inputs []domain.SwapAnalysisInput) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0

	for _, input := range inputs {
		existing, ok := m.swapInputs[input.WalletAddress]
		if !ok {
			existing = make(map[swapKey]domain.SwapAnalysisInput)
			m.swapInputs[input.WalletAddress] = existing
		}

		key := swapKey{signature: input.Signature, direction: input.Direction, mint: input.Mint}
		if _, dup := existing[key]; dup {
			continue
		}

		existing[key] = input
		inserted++
	}

	return inserted, nil
}

func (m *MemoryStore) GetSwapInputs(_ context.Context, address string, window domain.TimeRange) ([]domain.SwapAnalysisInput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inputs []domain.SwapAnalysisInput

	for _, input := range m.swapInputs[address] {
		if window.Contains(input.BlockTime) {
			inputs = append(inputs, input)
		}
	}

	sort.Slice(inputs, func(i, j int) bool {
		return inputs[i].BlockTime.Before(inputs[j].BlockTime)
	})

	return inputs, nil
}

func (m *MemoryStore) StartAnalysisRun(_ context.Context, address string, scope domain.Scope) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := &domain.AnalysisRun{
		ID:            m.nextRunID,
		WalletAddress: address,
		Scope:         scope,
		State:         domain.RunRunning,
		StartedAt:     time.Now().UTC(),
	}
	m.nextRunID++
	m.runs = append(m.runs, run)

	return run.ID, nil
}

func (m *MemoryStore) FinishAnalysisRun(_ context.Context, runID int64, state domain.RunState, inputCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.findRun(runID)
	if run == nil {
		return domain.Errorf(domain.KindNotFound, "analysis run %d not found", runID)
	}

	if run.State != domain.RunRunning {
		return nil
	}

	now := time.Now().UTC()
	run.State = state
	run.InputCount = inputCount
	run.FinishedAt = &now

	return nil
}

func (m *MemoryStore) CompleteAnalysisRun(_ context.Context, completion RunCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := m.findRun(completion.RunID)
	if run == nil {
		return domain.Errorf(domain.KindNotFound, "analysis run %d not found", completion.RunID)
	}

	if run.State != domain.RunRunning {
		return domain.Errorf(domain.KindInternal, "analysis run %d is already %s", completion.RunID, run.State)
	}

	byMint, ok := m.tokenResults[completion.WalletAddress]
	if !ok {
		byMint = make(map[string]domain.TokenResult)
		m.tokenResults[completion.WalletAddress] = byMint
	}

	for _, result := range completion.Results {
		byMint[result.Mint] = result
	}

	m.summaries[completion.WalletAddress] = completion.Summary
	m.behaviors[completion.WalletAddress] = completion.Behavior

	now := time.Now().UTC()
	run.State = domain.RunCompleted
	run.InputCount = completion.InputCount
	run.FinishedAt = &now

	if wallet, found := m.wallets[completion.WalletAddress]; found {
		at := completion.Summary.LastAnalyzedAt
		wallet.LastAnalyzedAt = &at
	}

	return nil
}

func (m *MemoryStore) LatestSuccessfulRun(_ context.Context, address string, scope domain.Scope) (*domain.AnalysisRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *domain.AnalysisRun

	for _, run := range m.runs {
		if run.WalletAddress != address || run.Scope != scope || run.State != domain.RunCompleted {
			continue
		}

		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = run
		}
	}

	if latest == nil {
		return nil, nil
	}

	copied := *latest

	return &copied, nil
}

func (m *MemoryStore) ReclaimStaleRuns(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0

	for _, run := range m.runs {
		if run.State != domain.RunRunning || run.StartedAt.After(cutoff) {
			continue
		}

		now := time.Now().UTC()
		run.State = domain.RunFailed
		run.FinishedAt = &now
		reclaimed++
	}

	return reclaimed, nil
}

func (m *MemoryStore) GetPnlSummary(_ context.Context, address string) (*domain.PnlSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary, ok := m.summaries[address]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "no analysis results for wallet %s", address)
	}

	return &summary, nil
}

func (m *MemoryStore) GetBehaviorProfile(_ context.Context, address string) (*domain.BehaviorProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.behaviors[address]
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "no behavior profile for wallet %s", address)
	}

	return &profile, nil
}

func (m *MemoryStore) GetTokenResults(_ context.Context, address string, page Page) ([]domain.TokenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]domain.TokenResult, 0, len(m.tokenResults[address]))
	for _, result := range m.tokenResults[address] {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].LastTradeAt.After(results[j].LastTradeAt)
	})

	if page.Offset >= len(results) {
		return nil, nil
	}

	results = results[page.Offset:]
	if page.Limit > 0 && page.Limit < len(results) {
		results = results[:page.Limit]
	}

	return results, nil
}

func (m *MemoryStore) RecentMints(_ context.Context, address string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type mintTime struct {
		mint string
		last time.Time
	}

	latest := make(map[string]time.Time)

	for _, input := range m.swapInputs[address] {
		if input.BlockTime.After(latest[input.Mint]) {
			latest[input.Mint] = input.BlockTime
		}
	}

	ordered := make([]mintTime, 0, len(latest))
	for mint, last := range latest {
		ordered = append(ordered, mintTime{mint: mint, last: last})
	}

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].last.After(ordered[j].last)
	})

	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}

	mints := make([]string, len(ordered))
	for i, entry := range ordered {
		mints[i] = entry.mint
	}

	return mints, nil
}

func (m *MemoryStore) UpsertTokenMetadata(_ context.Context, metadata []domain.TokenMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, meta := range metadata {
		m.metadata[meta.Mint] = meta
	}

	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// TokenMetadataFor returns the stored metadata for a mint. Test helper.
func (m *MemoryStore) TokenMetadataFor(mint string) (domain.TokenMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.metadata[mint]

	return meta, ok
}

func (m *MemoryStore) findRun(runID int64) *domain.AnalysisRun {
	for _, run := range m.runs {
		if run.ID == runID {
			return run
		}
	}

	return nil
}
