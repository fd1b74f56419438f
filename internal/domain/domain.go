// Package domain defines the value types shared across the analysis engine:
// wallets, parsed provider transactions, swap analysis inputs, analysis runs
// and their results, and the scope ladder that drives the dashboard pipeline.
package domain

import "time"

// Classification is the persisted wallet classification.
type Classification string

const (
	// ClassUnknown marks a wallet that has never been fully fetched.
	ClassUnknown Classification = "unknown"
	// ClassNormal marks a wallet with ordinary history density.
	ClassNormal Classification = "normal"
	// ClassHighFrequency marks a wallet whose history density exceeds the
	// configured threshold; history depth is capped for these wallets.
	ClassHighFrequency Classification = "high_frequency"
	// ClassRestricted marks a wallet that must never be analyzed.
	ClassRestricted Classification = "restricted"
)

// ParseClassification validates an operator-supplied classification string.
func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassUnknown, ClassNormal, ClassHighFrequency, ClassRestricted:
		return Classification(s), nil
	default:
		return "", Errorf(KindInvalidInput, "unknown classification %q", s)
	}
}

// Wallet is a lazily-created per-address record. Wallets are identified by
// their base-58 address string and are never deleted by the core.
type Wallet struct {
	Address        string         `db:"address"`
	Classification Classification `db:"classification"`
	LastAnalyzedAt *time.Time     `db:"last_analyzed_at"`
	SyncCount      int            `db:"sync_count"`
	CreatedAt      time.Time      `db:"created_at"`
}

// SignatureInfo is one entry of a wallet's signature listing.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
}

// TokenTransfer is one SPL token movement inside a parsed transaction.
type TokenTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// NativeTransfer is one SOL movement inside a parsed transaction.
// Amount is in lamports.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          uint64 `json:"amount"`
}

// Transaction interaction types as reported by the enrichment provider.
const (
	TxTypeSwap     = "SWAP"
	TxTypeTransfer = "TRANSFER"
	TxTypeUnknown  = "UNKNOWN"
)

// ParsedTransaction is the enrichment provider's parsed-detail shape for one
// transaction. It is stored verbatim in the raw transaction cache, keyed by
// signature, and shared across wallets.
type ParsedTransaction struct {
	Signature       string           `json:"signature"`
	Slot            uint64           `json:"slot"`
	Timestamp       int64            `json:"timestamp"`
	Fee             uint64           `json:"fee"`
	FeePayer        string           `json:"feePayer"`
	Type            string           `json:"type"`
	Source          string           `json:"source"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
}

// BlockTime returns the transaction timestamp as a time.Time.
func (t ParsedTransaction) BlockTime() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// Direction is the side of a swap relative to the analyzed wallet.
type Direction string

const (
	// DirectionIn means the wallet received the token (a buy).
	DirectionIn Direction = "in"
	// DirectionOut means the wallet sent the token (a sell).
	DirectionOut Direction = "out"
)

// SwapAnalysisInput is one analyzable swap leg derived from a parsed
// transaction. Rows are unique on (wallet, signature, direction, mint) and
// are never mutated after insert.
type SwapAnalysisInput struct {
	WalletAddress   string    `db:"wallet_address"`
	Signature       string    `db:"signature"`
	Direction       Direction `db:"direction"`
	Mint            string    `db:"mint"`
	SolValue        float64   `db:"sol_value"`
	TokenAmount     float64   `db:"token_amount"`
	FeeLamports     uint64    `db:"fee_lamports"`
	InteractionType string    `db:"interaction_type"`
	BlockTime       time.Time `db:"block_time"`
}

// RunState is the lifecycle state of an analysis run.
type RunState string

const (
	// RunRunning marks a run that has started but not finished.
	RunRunning RunState = "RUNNING"
	// RunCompleted marks a successfully finished run.
	RunCompleted RunState = "COMPLETED"
	// RunFailed marks a run that finished with an error.
	RunFailed RunState = "FAILED"
)

// AnalysisRun records one execution of the analysis pipeline for a wallet.
type AnalysisRun struct {
	ID            int64      `db:"id"`
	WalletAddress string     `db:"wallet_address"`
	Scope         Scope      `db:"scope"`
	State         RunState   `db:"state"`
	InputCount    int        `db:"input_count"`
	StartedAt     time.Time  `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

// TokenResult is the per-(wallet, mint) P&L row produced by a run.
// Subsequent successful runs for the same scope replace it.
type TokenResult struct {
	WalletAddress   string    `db:"wallet_address"`
	Mint            string    `db:"mint"`
	BuyCount        int       `db:"buy_count"`
	SellCount       int       `db:"sell_count"`
	SolSpent        float64   `db:"sol_spent"`
	SolReceived     float64   `db:"sol_received"`
	RealizedPnl     float64   `db:"realized_pnl"`
	FirstTradeAt    time.Time `db:"first_trade_at"`
	LastTradeAt     time.Time `db:"last_trade_at"`
	LastAnalyzedRun int64     `db:"last_analyzed_run"`
}

// PnlSummary is the per-wallet aggregate snapshot, upserted on each
// successful run.
type PnlSummary struct {
	WalletAddress  string    `db:"wallet_address"`
	TokensTraded   int       `db:"tokens_traded"`
	TotalPnl       float64   `db:"total_pnl"`
	WinRate        float64   `db:"win_rate"`
	TotalSolVolume float64   `db:"total_sol_volume"`
	LastAnalyzedAt time.Time `db:"last_analyzed_at"`
}

// BehaviorProfile is the per-wallet behavioral snapshot.
type BehaviorProfile struct {
	WalletAddress   string    `db:"wallet_address"`
	TradesPerDay    float64   `db:"trades_per_day"`
	BuySellRatio    float64   `db:"buy_sell_ratio"`
	MedianHoldHours float64   `db:"median_hold_hours"`
	Pattern         string    `db:"pattern"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// TokenMetadata is enrichment data for one mint, maintained by the
// enrichment queue independently of analysis runs.
type TokenMetadata struct {
	Mint      string    `db:"mint"`
	Symbol    string    `db:"symbol"`
	Name      string    `db:"name"`
	PriceUSD  float64   `db:"price_usd"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TriggerSource identifies who requested a dashboard analysis. The core
// treats all sources identically beyond logging; only manual triggers may
// set forceRefresh.
type TriggerSource string

const (
	// TriggerAuto is a layout-driven trigger on wallet load.
	TriggerAuto TriggerSource = "auto"
	// TriggerManual is a user-initiated trigger.
	TriggerManual TriggerSource = "manual"
	// TriggerSystem is an internally scheduled trigger.
	TriggerSystem TriggerSource = "system"
)

// TimeRange bounds a swap-input query. Zero values mean unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}

	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}

	return true
}
