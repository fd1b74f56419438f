package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	// Postgres driver, registered for database/sql.
	_ "github.com/lib/pq"

	"github.com/walletscope/walletscope/internal/domain"
)

// insertBatchSize is the number of rows per multi-row insert statement.
// Measured batches in production hover around 150 rows; chunking keeps
// statements comfortably under the placeholder limit.
const insertBatchSize = 150

// PostgresStore implements Store on a Postgres database via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects, applies the bootstrap schema, and returns the store.
func OpenPostgres(ctx context.Context, url string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	_, schemaErr := db.ExecContext(ctx, schema)
	if schemaErr != nil {
		return nil, fmt.Errorf("apply schema: %w", schemaErr)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping verifies connectivity for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertWallet creates the wallet row if absent and returns it.
func (s *PostgresStore) UpsertWallet(ctx context.Context, address string) (*domain.Wallet, error) {
	const query = `
		INSERT INTO wallets (address, classification)
		VALUES ($1, 'unknown')
		ON CONFLICT (address) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("upsert wallet: %w", err)
	}

	return s.GetWallet(ctx, address)
}

// GetWallet returns the wallet or a not_found error.
func (s *PostgresStore) GetWallet(ctx context.Context, address string) (*domain.Wallet, error) {
	var wallet domain.Wallet

	err := s.db.GetContext(ctx, &wallet,
		`SELECT address, classification, last_analyzed_at, sync_count, created_at
		 FROM wallets WHERE address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "wallet %s not found", address)
	}

	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return &wallet, nil
}

// SetClassification persists a wallet classification.
func (s *PostgresStore) SetClassification(ctx context.Context, address string, class domain.Classification) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET classification = $2 WHERE address = $1`, address, class)
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}

	return nil
}

// IncrementSyncCount bumps the wallet's completed-sync counter.
func (s *PostgresStore) IncrementSyncCount(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE wallets SET sync_count = sync_count + 1 WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("increment sync count: %w", err)
	}

	return nil
}

type signatureRow struct {
	WalletAddress string    `db:"wallet_address"`
	Signature     string    `db:"signature"`
	Slot          uint64    `db:"slot"`
	BlockTime     time.Time `db:"block_time"`
}

// InsertSignaturesIfAbsent records wallet↔signature associations.
func (s *PostgresStore) InsertSignaturesIfAbsent(ctx context.Context, address string, sigs []domain.SignatureInfo) (int, error) {
	if len(sigs) == 0 {
		return 0, nil
	}

	rows := make([]signatureRow, 0, len(sigs))
	for _, sig := range sigs {
		rows = append(rows, signatureRow{
			WalletAddress: address,
			Signature:     sig.Signature,
			Slot:          sig.Slot,
			BlockTime:     sig.BlockTime,
		})
	}

	const query = `
		INSERT INTO wallet_signatures (wallet_address, signature, slot, block_time)
		VALUES (:wallet_address, :signature, :slot, :block_time)
		ON CONFLICT (wallet_address, signature) DO NOTHING`

	return batchNamedExec(ctx, s.db, query, rows)
}

// CountTransactions returns the wallet's stored history size.
func (s *PostgresStore) CountTransactions(ctx context.Context, address string) (int, error) {
	var count int

	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM wallet_signatures WHERE wallet_address = $1`, address)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}

	return count, nil
}

// NewestSignature returns the most recent stored signature for the wallet.
func (s *PostgresStore) NewestSignature(ctx context.Context, address string) (domain.SignatureInfo, bool, error) {
	return s.edgeSignature(ctx, address, "DESC")
}

// OldestSignature returns the earliest stored signature for the wallet.
func (s *PostgresStore) OldestSignature(ctx context.Context, address string) (domain.SignatureInfo, bool, error) {
	return s.edgeSignature(ctx, address, "ASC")
}

func (s *PostgresStore) edgeSignature(ctx context.Context, address, order string) (domain.SignatureInfo, bool, error) {
	var row signatureRow

	query := fmt.Sprintf(
		`SELECT wallet_address, signature, slot, block_time
		 FROM wallet_signatures WHERE wallet_address = $1
		 ORDER BY block_time %s, slot %s LIMIT 1`, order, order)

	err := s.db.GetContext(ctx, &row, query, address)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SignatureInfo{}, false, nil
	}

	if err != nil {
		return domain.SignatureInfo{}, false, fmt.Errorf("edge signature: %w", err)
	}

	return domain.SignatureInfo{Signature: row.Signature, Slot: row.Slot, BlockTime: row.BlockTime}, true, nil
}

type rawTxRow struct {
	Signature string    `db:"signature"`
	Slot      uint64    `db:"slot"`
	BlockTime time.Time `db:"block_time"`
	Payload   []byte    `db:"payload"`
}

// InsertTransactionsIfAbsent writes parsed details to the shared raw cache.
func (s *PostgresStore) InsertTransactionsIfAbsent(ctx context.Context, txs []domain.ParsedTransaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	rows := make([]rawTxRow, 0, len(txs))

	for _, tx := range txs {
		payload, err := json.Marshal(tx)
		if err != nil {
			return 0, fmt.Errorf("marshal transaction %s: %w", tx.Signature, err)
		}

		rows = append(rows, rawTxRow{
			Signature: tx.Signature,
			Slot:      tx.Slot,
			BlockTime: tx.BlockTime(),
			Payload:   payload,
		})
	}

	const query = `
		INSERT INTO raw_transactions (signature, slot, block_time, payload)
		VALUES (:signature, :slot, :block_time, :payload)
		ON CONFLICT (signature) DO NOTHING`

	return batchNamedExec(ctx, s.db, query, rows)
}

// GetCachedTransactions returns the cached subset of the given signatures.
func (s *PostgresStore) GetCachedTransactions(ctx context.Context, signatures []string) (map[string]domain.ParsedTransaction, error) {
	found := make(map[string]domain.ParsedTransaction, len(signatures))
	if len(signatures) == 0 {
		return found, nil
	}

	query, args, err := sqlx.In(
		`SELECT signature, slot, block_time, payload FROM raw_transactions WHERE signature IN (?)`,
		signatures)
	if err != nil {
		return nil, fmt.Errorf("build cache query: %w", err)
	}

	var rows []rawTxRow

	selectErr := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	if selectErr != nil {
		return nil, fmt.Errorf("get cached transactions: %w", selectErr)
	}

	for _, row := range rows {
		var tx domain.ParsedTransaction

		unmarshalErr := json.Unmarshal(row.Payload, &tx)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("unmarshal cached transaction %s: %w", row.Signature, unmarshalErr)
		}

		found[row.Signature] = tx
	}

	return found, nil
}

// InsertSwapInputsIfAbsent writes mapper output rows.
func (s *PostgresStore) InsertSwapInputsIfAbsent(ctx context.Context, inputs []domain.SwapAnalysisInput) (int, error) {
	if len(inputs) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO swap_inputs
			(wallet_address, signature, direction, mint, sol_value, token_amount,
			 fee_lamports, interaction_type, block_time)
		VALUES
			(:wallet_address, :signature, :direction, :mint, :sol_value, :token_amount,
			 :fee_lamports, :interaction_type, :block_time)
		ON CONFLICT (wallet_address, signature, direction, mint) DO NOTHING`

	return batchNamedExec(ctx, s.db, query, inputs)
}

// GetSwapInputs returns the wallet's inputs inside the range.
func (s *PostgresStore) GetSwapInputs(ctx context.Context, address string, window domain.TimeRange) ([]domain.SwapAnalysisInput, error) {
	query := `
		SELECT wallet_address, signature, direction, mint, sol_value, token_amount,
		       fee_lamports, interaction_type, block_time
		FROM swap_inputs WHERE wallet_address = $1`
	args := []any{address}

	if !window.From.IsZero() {
		args = append(args, window.From)
		query += fmt.Sprintf(" AND block_time >= $%d", len(args))
	}

	if !window.To.IsZero() {
		args = append(args, window.To)
		query += fmt.Sprintf(" AND block_time <= $%d", len(args))
	}

	query += " ORDER BY block_time ASC"

	var inputs []domain.SwapAnalysisInput

	err := s.db.SelectContext(ctx, &inputs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get swap inputs: %w", err)
	}

	return inputs, nil
}

// StartAnalysisRun opens a RUNNING run and returns its id.
func (s *PostgresStore) StartAnalysisRun(ctx context.Context, address string, scope domain.Scope) (int64, error) {
	var id int64

	err := s.db.GetContext(ctx, &id,
		`INSERT INTO analysis_runs (wallet_address, scope, state)
		 VALUES ($1, $2, $3) RETURNING id`, address, scope, domain.RunRunning)
	if err != nil {
		return 0, fmt.Errorf("start analysis run: %w", err)
	}

	return id, nil
}

// FinishAnalysisRun moves a run to a terminal state without touching results.
func (s *PostgresStore) FinishAnalysisRun(ctx context.Context, runID int64, state domain.RunState, inputCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET state = $2, input_count = $3, finished_at = now()
		 WHERE id = $1 AND state = $4`, runID, state, inputCount, domain.RunRunning)
	if err != nil {
		return fmt.Errorf("finish analysis run: %w", err)
	}

	return nil
}

// CompleteAnalysisRun atomically persists a successful run's outputs.
func (s *PostgresStore) CompleteAnalysisRun(ctx context.Context, completion RunCompletion) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	applyErr := s.applyCompletion(ctx, tx, completion)
	if applyErr != nil {
		return applyErr
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		return fmt.Errorf("commit completion tx: %w", commitErr)
	}

	return nil
}

func (s *PostgresStore) applyCompletion(ctx context.Context, tx *sqlx.Tx, completion RunCompletion) error {
	const resultQuery = `
		INSERT INTO token_results
			(wallet_address, mint, buy_count, sell_count, sol_spent, sol_received,
			 realized_pnl, first_trade_at, last_trade_at, last_analyzed_run)
		VALUES
			(:wallet_address, :mint, :buy_count, :sell_count, :sol_spent, :sol_received,
			 :realized_pnl, :first_trade_at, :last_trade_at, :last_analyzed_run)
		ON CONFLICT (wallet_address, mint) DO UPDATE SET
			buy_count = EXCLUDED.buy_count,
			sell_count = EXCLUDED.sell_count,
			sol_spent = EXCLUDED.sol_spent,
			sol_received = EXCLUDED.sol_received,
			realized_pnl = EXCLUDED.realized_pnl,
			first_trade_at = EXCLUDED.first_trade_at,
			last_trade_at = EXCLUDED.last_trade_at,
			last_analyzed_run = EXCLUDED.last_analyzed_run`

	for chunk := range chunks(completion.Results, insertBatchSize) {
		_, err := tx.NamedExecContext(ctx, resultQuery, chunk)
		if err != nil {
			return fmt.Errorf("upsert token results: %w", err)
		}
	}

	_, summaryErr := tx.NamedExecContext(ctx, `
		INSERT INTO pnl_summaries
			(wallet_address, tokens_traded, total_pnl, win_rate, total_sol_volume, last_analyzed_at)
		VALUES
			(:wallet_address, :tokens_traded, :total_pnl, :win_rate, :total_sol_volume, :last_analyzed_at)
		ON CONFLICT (wallet_address) DO UPDATE SET
			tokens_traded = EXCLUDED.tokens_traded,
			total_pnl = EXCLUDED.total_pnl,
			win_rate = EXCLUDED.win_rate,
			total_sol_volume = EXCLUDED.total_sol_volume,
			last_analyzed_at = EXCLUDED.last_analyzed_at`,
		completion.Summary)
	if summaryErr != nil {
		return fmt.Errorf("upsert pnl summary: %w", summaryErr)
	}

	_, behaviorErr := tx.NamedExecContext(ctx, `
		INSERT INTO behavior_profiles
			(wallet_address, trades_per_day, buy_sell_ratio, median_hold_hours, pattern, updated_at)
		VALUES
			(:wallet_address, :trades_per_day, :buy_sell_ratio, :median_hold_hours, :pattern, :updated_at)
		ON CONFLICT (wallet_address) DO UPDATE SET
			trades_per_day = EXCLUDED.trades_per_day,
			buy_sell_ratio = EXCLUDED.buy_sell_ratio,
			median_hold_hours = EXCLUDED.median_hold_hours,
			pattern = EXCLUDED.pattern,
			updated_at = EXCLUDED.updated_at`,
		completion.Behavior)
	if behaviorErr != nil {
		return fmt.Errorf("upsert behavior profile: %w", behaviorErr)
	}

	runResult, runErr := tx.ExecContext(ctx,
		`UPDATE analysis_runs SET state = $2, input_count = $3, finished_at = now()
		 WHERE id = $1 AND state = $4`,
		completion.RunID, domain.RunCompleted, completion.InputCount, domain.RunRunning)
	if runErr != nil {
		return fmt.Errorf("complete analysis run: %w", runErr)
	}

	transitioned, transitionErr := runResult.RowsAffected()
	if transitionErr != nil {
		return fmt.Errorf("complete analysis run affected: %w", transitionErr)
	}

	if transitioned == 0 {
		return domain.Errorf(domain.KindInternal, "analysis run %d is not RUNNING", completion.RunID)
	}

	_, walletErr := tx.ExecContext(ctx,
		`UPDATE wallets SET last_analyzed_at = $2 WHERE address = $1`,
		completion.WalletAddress, completion.Summary.LastAnalyzedAt)
	if walletErr != nil {
		return fmt.Errorf("advance wallet last_analyzed_at: %w", walletErr)
	}

	return nil
}

// LatestSuccessfulRun returns the newest COMPLETED run for the scope.
func (s *PostgresStore) LatestSuccessfulRun(ctx context.Context, address string, scope domain.Scope) (*domain.AnalysisRun, error) {
	var run domain.AnalysisRun

	err := s.db.GetContext(ctx, &run,
		`SELECT id, wallet_address, scope, state, input_count, started_at, finished_at
		 FROM analysis_runs
		 WHERE wallet_address = $1 AND scope = $2 AND state = $3
		 ORDER BY started_at DESC LIMIT 1`,
		address, scope, domain.RunCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("latest successful run: %w", err)
	}

	return &run, nil
}

// ReclaimStaleRuns marks RUNNING runs older than the threshold FAILED.
func (s *PostgresStore) ReclaimStaleRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE analysis_runs SET state = $1, finished_at = now()
		 WHERE state = $2 AND started_at < now() - $3::interval`,
		domain.RunFailed, domain.RunRunning, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale runs: %w", err)
	}

	affected, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, fmt.Errorf("reclaim stale runs affected: %w", affectedErr)
	}

	return int(affected), nil
}

// GetPnlSummary returns the wallet's aggregate snapshot.
func (s *PostgresStore) GetPnlSummary(ctx context.Context, address string) (*domain.PnlSummary, error) {
	var summary domain.PnlSummary

	err := s.db.GetContext(ctx, &summary,
		`SELECT wallet_address, tokens_traded, total_pnl, win_rate, total_sol_volume, last_analyzed_at
		 FROM pnl_summaries WHERE wallet_address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no summary for wallet %s", address)
	}

	if err != nil {
		return nil, fmt.Errorf("get pnl summary: %w", err)
	}

	return &summary, nil
}

// GetBehaviorProfile returns the wallet's behavior snapshot.
func (s *PostgresStore) GetBehaviorProfile(ctx context.Context, address string) (*domain.BehaviorProfile, error) {
	var profile domain.BehaviorProfile

	err := s.db.GetContext(ctx, &profile,
		`SELECT wallet_address, trades_per_day, buy_sell_ratio, median_hold_hours, pattern, updated_at
		 FROM behavior_profiles WHERE wallet_address = $1`, address)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.KindNotFound, "no behavior profile for wallet %s", address)
	}

	if err != nil {
		return nil, fmt.Errorf("get behavior profile: %w", err)
	}

	return &profile, nil
}

// GetTokenResults returns the wallet's per-token rows.
func (s *PostgresStore) GetTokenResults(ctx context.Context, address string, page Page) ([]domain.TokenResult, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	var results []domain.TokenResult

	err := s.db.SelectContext(ctx, &results,
		`SELECT wallet_address, mint, buy_count, sell_count, sol_spent, sol_received,
		        realized_pnl, first_trade_at, last_trade_at, last_analyzed_run
		 FROM token_results WHERE wallet_address = $1
		 ORDER BY last_trade_at DESC LIMIT $2 OFFSET $3`,
		address, limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("get token results: %w", err)
	}

	return results, nil
}

// RecentMints returns the distinct mints most recently traded by the wallet.
func (s *PostgresStore) RecentMints(ctx context.Context, address string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}

	var mints []string

	err := s.db.SelectContext(ctx, &mints,
		`SELECT mint FROM (
			SELECT mint, max(block_time) AS last_seen
			FROM swap_inputs WHERE wallet_address = $1
			GROUP BY mint
		 ) recent ORDER BY last_seen DESC LIMIT $2`,
		address, limit)
	if err != nil {
		return nil, fmt.Errorf("recent mints: %w", err)
	}

	return mints, nil
}

// UpsertTokenMetadata writes enrichment results.
func (s *PostgresStore) UpsertTokenMetadata(ctx context.Context, metadata []domain.TokenMetadata) error {
	if len(metadata) == 0 {
		return nil
	}

	const query = `
		INSERT INTO token_metadata (mint, symbol, name, price_usd, updated_at)
		VALUES (:mint, :symbol, :name, :price_usd, :updated_at)
		ON CONFLICT (mint) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			price_usd = EXCLUDED.price_usd,
			updated_at = EXCLUDED.updated_at`

	_, err := batchNamedExec(ctx, s.db, query, metadata)
	if err != nil {
		return err
	}

	return nil
}

// batchNamedExec runs a named multi-row insert in chunks, returning the
// total number of affected rows.
func batchNamedExec[T any](ctx context.Context, execer sqlx.ExtContext, query string, rows []T) (int, error) {
	total := 0

	for chunk := range chunks(rows, insertBatchSize) {
		result, err := sqlx.NamedExecContext(ctx, execer, query, chunk)
		if err != nil {
			return total, fmt.Errorf("batch insert: %w", err)
		}

		affected, affectedErr := result.RowsAffected()
		if affectedErr != nil {
			return total, fmt.Errorf("batch insert affected: %w", affectedErr)
		}

		total += int(affected)
	}

	return total, nil
}

// chunks yields size-bounded subslices of rows.
func chunks[T any](rows []T, size int) func(yield func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(rows); start += size {
			end := min(start+size, len(rows))
			if !yield(rows[start:end]) {
				return
			}
		}
	}
}
