package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"xchain-radar/internal/briefing"
	"xchain-radar/internal/commitment"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/lock"
	"xchain-radar/internal/retry"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertBriefingSQL = `INSERT INTO daily_briefings (
        day,
        chain,
        model_id,
        summary_text,
        evidence_json,
        has_anomaly,
        evidence_row_count,
        fallback
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (day, chain) DO UPDATE
    SET
        model_id           = EXCLUDED.model_id,
        summary_text       = EXCLUDED.summary_text,
        evidence_json      = EXCLUDED.evidence_json,
        has_anomaly        = EXCLUDED.has_anomaly,
        evidence_row_count = EXCLUDED.evidence_row_count,
        fallback           = EXCLUDED.fallback,
        updated_at         = NOW();`

	briefingColumns = `day,
        chain,
        model_id,
        summary_text,
        evidence_json,
        has_anomaly,
        evidence_row_count,
        fallback,
        created_at`

	getBriefingSQL = `SELECT ` + briefingColumns + `
    FROM daily_briefings
    WHERE day = $1 AND chain = $2;`

	listRecentBriefingsSQL = `SELECT ` + briefingColumns + `
    FROM daily_briefings
    ORDER BY day DESC, chain
    LIMIT $1;`

	listBriefingsBetweenSQL = `SELECT ` + briefingColumns + `
    FROM daily_briefings
    WHERE chain = $1
      AND day >= $2
      AND day <= $3
    ORDER BY day;`

	fetchFlowsSQL = `SELECT
        day,
        chain,
        bridge,
        token_symbol,
        in_usd::text,
        out_usd::text,
        net_usd::text,
        tx_count,
        unique_wallets
    FROM flows_daily
    WHERE day = $1 AND chain = $2
    ORDER BY bridge, token_symbol;`

	upsertFlowSQL = `INSERT INTO flows_daily (
        day,
        chain,
        bridge,
        token_symbol,
        in_usd,
        out_usd,
        net_usd,
        tx_count,
        unique_wallets
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (day, chain, bridge, token_symbol) DO UPDATE
    SET
        in_usd         = EXCLUDED.in_usd,
        out_usd        = EXCLUDED.out_usd,
        net_usd        = EXCLUDED.net_usd,
        tx_count       = EXCLUDED.tx_count,
        unique_wallets = EXCLUDED.unique_wallets;`

	insertCommitmentSQL = `INSERT INTO commitments (
        day,
        chain,
        ledger_key,
        summary_hash,
        has_anomaly,
        evidence_row_count,
        model_id,
        evidence_uri,
        tx_id,
        submitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	listCommitmentsSQL = `SELECT
        id,
        day,
        chain,
        ledger_key,
        summary_hash,
        has_anomaly,
        evidence_row_count,
        model_id,
        evidence_uri,
        tx_id,
        submitted_at,
        created_at
    FROM commitments
    WHERE day = $1 AND chain = $2
    ORDER BY submitted_at DESC, id DESC;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store 聚合 Postgres 上的简报、流量与提交日志访问。
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is session scoped, so the connection is held until unlock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, classify(fmt.Errorf("acquire connection: %w", err))
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, classify(fmt.Errorf("try advisory lock: %w", err))
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// 解锁失败时关闭连接，会话结束后锁自动释放
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Upsert persists or overwrites the briefing for (day, chain).
func (s *Store) Upsert(ctx context.Context, b briefing.Briefing) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertBriefingSQL,
		flows.NormalizeDay(b.Day),
		b.Chain,
		b.ModelID,
		b.SummaryText,
		string(b.EvidenceJSON),
		b.HasAnomaly,
		b.EvidenceRowCount,
		b.Fallback,
	)
	if execErr != nil {
		return classify(fmt.Errorf("upsert briefing: %w", execErr))
	}
	return nil
}

// Get returns the briefing for (day, chain) or briefing.ErrNotFound.
func (s *Store) Get(ctx context.Context, day time.Time, chain string) (briefing.Briefing, error) {
	pool, err := s.getPool()
	if err != nil {
		return briefing.Briefing{}, err
	}

	rows, queryErr := pool.Query(ctx, getBriefingSQL, flows.NormalizeDay(day), chain)
	if queryErr != nil {
		return briefing.Briefing{}, classify(fmt.Errorf("get briefing: %w", queryErr))
	}
	out, err := pgx.CollectExactlyOneRow(rows, scanBriefing)
	if errors.Is(err, pgx.ErrNoRows) {
		return briefing.Briefing{}, briefing.ErrNotFound
	}
	if err != nil {
		return briefing.Briefing{}, classify(fmt.Errorf("get briefing: %w", err))
	}
	return out, nil
}

// ListRecent lists the most recent briefings ordered by descending day.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]briefing.Briefing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentBriefingsSQL, limit)
	if queryErr != nil {
		return nil, classify(fmt.Errorf("list recent briefings: %w", queryErr))
	}
	out, err := pgx.CollectRows(rows, scanBriefing)
	if err != nil {
		return nil, classify(fmt.Errorf("list recent briefings: %w", err))
	}
	return out, nil
}

// ListBetween lists briefings for chain within [from, to].
func (s *Store) ListBetween(ctx context.Context, chain string, from, to time.Time) ([]briefing.Briefing, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBriefingsBetweenSQL, chain, flows.NormalizeDay(from), flows.NormalizeDay(to))
	if queryErr != nil {
		return nil, classify(fmt.Errorf("list briefings between: %w", queryErr))
	}
	out, err := pgx.CollectRows(rows, scanBriefing)
	if err != nil {
		return nil, classify(fmt.Errorf("list briefings between: %w", err))
	}
	return out, nil
}

// FetchFlows reads flows_daily for (day, chain).
func (s *Store) FetchFlows(ctx context.Context, day time.Time, chain string) ([]flows.Row, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchFlowsSQL, flows.NormalizeDay(day), chain)
	if queryErr != nil {
		return nil, classify(fmt.Errorf("fetch flows: %w", queryErr))
	}
	out, err := pgx.CollectRows(rows, scanFlow)
	if err != nil {
		return nil, classify(fmt.Errorf("fetch flows: %w", err))
	}
	return out, nil
}

// UpsertFlows writes rows in one transaction.
func (s *Store) UpsertFlows(ctx context.Context, rows []flows.Row) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertFlowSQL,
			flows.NormalizeDay(r.Day),
			r.Chain,
			r.Bridge,
			r.Token,
			r.InUSD.String(),
			r.OutUSD.String(),
			r.NetUSD.String(),
			r.TxCount,
			r.UniqueWallets,
		)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return classify(fmt.Errorf("upsert flows: %w", err))
	}
	return nil
}

// RecordCommitment appends a submission to the commitment log.
func (s *Store) RecordCommitment(ctx context.Context, entry commitment.LogEntry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec := entry.Record
	key := rec.Key()
	_, execErr := pool.Exec(ctx, insertCommitmentSQL,
		rec.Day,
		rec.Chain,
		key.Bytes(),
		rec.SummaryHash.Bytes(),
		rec.HasAnomaly,
		int64(rec.EvidenceRowCount),
		rec.ModelID,
		rec.EvidenceURI,
		entry.TxID,
		entry.SubmittedAt,
	)
	if execErr != nil {
		return classify(fmt.Errorf("insert commitment: %w", execErr))
	}
	return nil
}

// ListCommitments returns logged submissions for (day, chain), newest first.
func (s *Store) ListCommitments(ctx context.Context, day time.Time, chain string) ([]CommitmentEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCommitmentsSQL, flows.NormalizeDay(day), chain)
	if queryErr != nil {
		return nil, classify(fmt.Errorf("list commitments: %w", queryErr))
	}
	defer rows.Close()

	entries := make([]CommitmentEntry, 0)
	for rows.Next() {
		var (
			e         CommitmentEntry
			keyBytes  []byte
			hashBytes []byte
			count     int64
		)
		if err := rows.Scan(
			&e.ID,
			&e.Day,
			&e.Chain,
			&keyBytes,
			&hashBytes,
			&e.HasAnomaly,
			&count,
			&e.ModelID,
			&e.EvidenceURI,
			&e.TxID,
			&e.SubmittedAt,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.LedgerKey = common.BytesToHash(keyBytes)
		e.SummaryHash = common.BytesToHash(hashBytes)
		e.EvidenceRowCount = uint64(count)
		entries = append(entries, e)
	}
	if rows.Err() != nil {
		return nil, classify(rows.Err())
	}
	return entries, nil
}

func scanBriefing(row pgx.CollectableRow) (briefing.Briefing, error) {
	var (
		b        briefing.Briefing
		evidence []byte
	)
	if err := row.Scan(
		&b.Day,
		&b.Chain,
		&b.ModelID,
		&b.SummaryText,
		&evidence,
		&b.HasAnomaly,
		&b.EvidenceRowCount,
		&b.Fallback,
		&b.CreatedAt,
	); err != nil {
		return briefing.Briefing{}, err
	}
	b.EvidenceJSON = evidence
	return b, nil
}

func scanFlow(row pgx.CollectableRow) (flows.Row, error) {
	var (
		r                     flows.Row
		inStr, outStr, netStr string
	)
	if err := row.Scan(
		&r.Day,
		&r.Chain,
		&r.Bridge,
		&r.Token,
		&inStr,
		&outStr,
		&netStr,
		&r.TxCount,
		&r.UniqueWallets,
	); err != nil {
		return flows.Row{}, err
	}

	var err error
	if r.InUSD, err = decimal.NewFromString(inStr); err != nil {
		return flows.Row{}, fmt.Errorf("parse in_usd: %w", err)
	}
	if r.OutUSD, err = decimal.NewFromString(outStr); err != nil {
		return flows.Row{}, fmt.Errorf("parse out_usd: %w", err)
	}
	if r.NetUSD, err = decimal.NewFromString(netStr); err != nil {
		return flows.Row{}, fmt.Errorf("parse net_usd: %w", err)
	}
	return r, nil
}

// classify marks connection-level and timeout failures as transient.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return retry.Transient(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return retry.Transient(err)
	}
	return err
}

var (
	_ briefing.Store       = (*Store)(nil)
	_ flows.Source         = (*Store)(nil)
	_ commitment.CommitLog = (*Store)(nil)
	_ lock.AdvisoryLocker  = (*Store)(nil)
)
