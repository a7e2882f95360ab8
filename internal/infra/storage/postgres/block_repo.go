package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/vietddude/blobwatch/internal/core/domain"
	"github.com/vietddude/blobwatch/internal/core/fee"
	"github.com/vietddude/blobwatch/internal/infra/storage"
)

const recomputeBatchSize = 1000

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db       *DB
	schedule *fee.Schedule
	retry    RetryConfig
	now      func() time.Time
}

var _ storage.BlockRepository = (*BlockRepo)(nil)

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB, schedule *fee.Schedule) *BlockRepo {
	return &BlockRepo{
		db:       db,
		schedule: schedule,
		retry:    DefaultRetryConfig,
		now:      time.Now,
	}
}

// Schedule returns the fee schedule used to derive blob base fees.
func (r *BlockRepo) Schedule() *fee.Schedule {
	return r.schedule
}

// WithRetryConfig overrides the transient-failure policy.
func (r *BlockRepo) WithRetryConfig(cfg RetryConfig) *BlockRepo {
	r.retry = cfg
	return r
}

type blockRow struct {
	BlockNumber    uint64       `db:"block_number"`
	GasLimit       uint64       `db:"gas_limit"`
	GasUsed        uint64       `db:"gas_used"`
	BaseFee        string       `db:"base_fee"`
	ExcessBlobGas  uint64       `db:"excess_blob_gas"`
	BlobCount      uint64       `db:"blob_count"`
	BlobBaseFee    string       `db:"blob_base_fee"`
	BlockTimestamp sql.NullTime `db:"block_timestamp"`
	CreatedAt      time.Time    `db:"created_at"`
}

func (b *blockRow) toDomain() (*domain.BlockRecord, error) {
	baseFee, ok := new(big.Int).SetString(b.BaseFee, 10)
	if !ok {
		return nil, fmt.Errorf("block %d: invalid base_fee %q", b.BlockNumber, b.BaseFee)
	}
	blobFee, ok := new(big.Int).SetString(b.BlobBaseFee, 10)
	if !ok {
		return nil, fmt.Errorf("block %d: invalid blob_base_fee %q", b.BlockNumber, b.BlobBaseFee)
	}

	rec := &domain.BlockRecord{
		BlockNumber:   b.BlockNumber,
		GasLimit:      b.GasLimit,
		GasUsed:       b.GasUsed,
		BaseFee:       baseFee,
		ExcessBlobGas: b.ExcessBlobGas,
		BlobCount:     b.BlobCount,
		BlobBaseFee:   blobFee,
		CreatedAt:     b.CreatedAt.UTC(),
	}
	if b.BlockTimestamp.Valid {
		ts := b.BlockTimestamp.Time.UTC()
		rec.BlockTimestamp = &ts
	}
	return rec, nil
}

// Insert stores a block once. A duplicate number is a no-op that reports false.
func (r *BlockRepo) Insert(ctx context.Context, block *domain.Block, opts storage.InsertOptions) (bool, error) {
	rec := storage.NewRecord(block, r.schedule, opts.Stamp(r.now).UTC())

	query := `
		INSERT INTO blob_fee_blocks (
			block_number, gas_limit, gas_used, base_fee, excess_blob_gas,
			blob_count, blob_base_fee, block_timestamp, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (block_number) DO NOTHING
	`

	var inserted bool
	err := withRetry(ctx, r.retry, "insert block", func() error {
		res, err := r.db.ExecContext(ctx, query,
			rec.BlockNumber,
			rec.GasLimit,
			rec.GasUsed,
			rec.BaseFee.String(),
			rec.ExcessBlobGas,
			rec.BlobCount,
			rec.BlobBaseFee.String(),
			rec.BlockTimestamp,
			rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	if inserted && !opts.Silent {
		slog.Debug("Stored block",
			"block", rec.BlockNumber,
			"blobs", rec.BlobCount,
			"blob_base_fee", rec.BlobBaseFee.String(),
		)
	}
	return inserted, nil
}

// GetLatestBlockNumber returns the highest stored block number.
func (r *BlockRepo) GetLatestBlockNumber(ctx context.Context) (uint64, bool, error) {
	var latest sql.NullInt64
	err := withRetry(ctx, r.retry, "get latest block", func() error {
		return r.db.GetContext(ctx, &latest, `SELECT MAX(block_number) FROM blob_fee_blocks`)
	})
	if err != nil {
		return 0, false, err
	}
	if !latest.Valid {
		return 0, false, nil
	}
	return uint64(latest.Int64), true, nil
}

// FindGaps reports each run of missing numbers between consecutive stored blocks.
func (r *BlockRepo) FindGaps(ctx context.Context) ([]domain.Gap, error) {
	query := `
		WITH numbered AS (
			SELECT block_number, LEAD(block_number) OVER (ORDER BY block_number) AS next_block
			FROM blob_fee_blocks
		)
		SELECT block_number AS after_block,
		       next_block AS before_block,
		       next_block - block_number - 1 AS missing_count
		FROM numbered
		WHERE next_block - block_number > 1
		ORDER BY block_number
	`

	var gaps []domain.Gap
	err := withRetry(ctx, r.retry, "find gaps", func() error {
		gaps = gaps[:0]
		rows, err := r.db.QueryxContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var gap struct {
				AfterBlock   uint64 `db:"after_block"`
				BeforeBlock  uint64 `db:"before_block"`
				MissingCount uint64 `db:"missing_count"`
			}
			if err := rows.StructScan(&gap); err != nil {
				return err
			}
			gaps = append(gaps, domain.Gap{
				AfterBlock:   gap.AfterBlock,
				BeforeBlock:  gap.BeforeBlock,
				MissingCount: gap.MissingCount,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return gaps, nil
}

// CleanupOldBlocks deletes rows created before now-retention.
func (r *BlockRepo) CleanupOldBlocks(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().Add(-retention).UTC()

	var deleted int64
	err := withRetry(ctx, r.retry, "cleanup old blocks", func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM blob_fee_blocks WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListRange returns records in [from, to] ordered by number.
func (r *BlockRepo) ListRange(ctx context.Context, from, to uint64) ([]*domain.BlockRecord, error) {
	query := `
		SELECT block_number, gas_limit, gas_used, base_fee::text AS base_fee, excess_blob_gas,
		       blob_count, blob_base_fee::text AS blob_base_fee, block_timestamp, created_at
		FROM blob_fee_blocks
		WHERE block_number BETWEEN $1 AND $2
		ORDER BY block_number
	`

	var rows []blockRow
	err := withRetry(ctx, r.retry, "list blocks", func() error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows, query, from, to)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*domain.BlockRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountBlocks returns the number of stored rows.
func (r *BlockRepo) CountBlocks(ctx context.Context) (int64, error) {
	var count int64
	err := withRetry(ctx, r.retry, "count blocks", func() error {
		return r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM blob_fee_blocks`)
	})
	return count, err
}

// BlocksMissingTimestamp returns up to limit numbers whose timestamp is null.
func (r *BlockRepo) BlocksMissingTimestamp(ctx context.Context, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = recomputeBatchSize
	}

	var nums []uint64
	err := withRetry(ctx, r.retry, "blocks missing timestamp", func() error {
		nums = nums[:0]
		return r.db.SelectContext(ctx, &nums, `
			SELECT block_number FROM blob_fee_blocks
			WHERE block_timestamp IS NULL
			ORDER BY block_number
			LIMIT $1
		`, limit)
	})
	if err != nil {
		return nil, err
	}
	return nums, nil
}

// PatchTimestamp fills a null timestamp and rewrites the blob base fee for the epoch it implies.
func (r *BlockRepo) PatchTimestamp(ctx context.Context, blockNumber uint64, ts time.Time) (bool, error) {
	ts = ts.UTC()

	var patched bool
	err := withRetry(ctx, r.retry, "patch timestamp", func() error {
		var excess uint64
		err := r.db.GetContext(ctx, &excess, `
			SELECT excess_blob_gas FROM blob_fee_blocks
			WHERE block_number = $1 AND block_timestamp IS NULL
		`, blockNumber)
		if errors.Is(err, sql.ErrNoRows) {
			patched = false
			return nil
		}
		if err != nil {
			return err
		}

		blobFee := r.schedule.BlobBaseFee(excess, &ts)
		res, err := r.db.ExecContext(ctx, `
			UPDATE blob_fee_blocks
			SET block_timestamp = $2, blob_base_fee = $3
			WHERE block_number = $1 AND block_timestamp IS NULL
		`, blockNumber, ts, blobFee.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		patched = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return patched, nil
}

// RecomputeBlobFees walks the table in batches and rewrites fees that disagree with the schedule.
func (r *BlockRepo) RecomputeBlobFees(ctx context.Context) (int64, error) {
	type feeRow struct {
		BlockNumber    uint64       `db:"block_number"`
		ExcessBlobGas  uint64       `db:"excess_blob_gas"`
		BlobBaseFee    string       `db:"blob_base_fee"`
		BlockTimestamp sql.NullTime `db:"block_timestamp"`
	}

	var (
		updated int64
		cursor  int64 = -1
	)
	for {
		var batch []feeRow
		err := withRetry(ctx, r.retry, "load fee batch", func() error {
			batch = batch[:0]
			return r.db.SelectContext(ctx, &batch, `
				SELECT block_number, excess_blob_gas, blob_base_fee::text AS blob_base_fee, block_timestamp
				FROM blob_fee_blocks
				WHERE block_number > $1
				ORDER BY block_number
				LIMIT $2
			`, cursor, recomputeBatchSize)
		})
		if err != nil {
			return updated, err
		}
		if len(batch) == 0 {
			return updated, nil
		}

		for _, row := range batch {
			var ts *time.Time
			if row.BlockTimestamp.Valid {
				t := row.BlockTimestamp.Time
				ts = &t
			}
			want := r.schedule.BlobBaseFee(row.ExcessBlobGas, ts).String()
			if want == row.BlobBaseFee {
				continue
			}

			err := withRetry(ctx, r.retry, "update blob fee", func() error {
				_, err := r.db.ExecContext(ctx,
					`UPDATE blob_fee_blocks SET blob_base_fee = $2 WHERE block_number = $1`,
					row.BlockNumber, want)
				return err
			})
			if err != nil {
				return updated, err
			}
			updated++
		}
		cursor = int64(batch[len(batch)-1].BlockNumber)
	}
}
