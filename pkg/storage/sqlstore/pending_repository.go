package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// PendingSubRAVRepository is a Postgres-backed storage.PendingSubRAVRepository.
type PendingSubRAVRepository struct {
	db *DB
}

// NewPendingSubRAVRepository wraps an open DB.
func NewPendingSubRAVRepository(db *DB) *PendingSubRAVRepository {
	return &PendingSubRAVRepository{db: db}
}

func (r *PendingSubRAVRepository) Save(ctx context.Context, p storage.PendingSubRAV) error {
	s := p.SubRAV
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_subravs (channel_id, vm_id_fragment, nonce, accumulated_amount, chain_id, channel_epoch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, vm_id_fragment, nonce) DO UPDATE SET
			accumulated_amount = EXCLUDED.accumulated_amount,
			created_at = EXCLUDED.created_at
	`, s.ChannelID[:], s.VMIDFragment, s.Nonce, s.AccumulatedAmount.String(), s.ChainID, s.ChannelEpoch, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlstore: upserting pending subrav: %w", err)
	}
	return nil
}

func (r *PendingSubRAVRepository) Find(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) (*storage.PendingSubRAV, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT accumulated_amount, chain_id, channel_epoch, created_at
		FROM pending_subravs WHERE channel_id = $1 AND vm_id_fragment = $2 AND nonce = $3
	`, channelID[:], vmIDFragment, nonce)
	return scanPending(row, channelID, vmIDFragment, nonce)
}

func scanPending(row *sql.Row, channelID [32]byte, vmIDFragment string, nonce uint64) (*storage.PendingSubRAV, error) {
	var amountStr string
	var chainID, channelEpoch uint64
	var createdAt time.Time
	if err := row.Scan(&amountStr, &chainID, &channelEpoch, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: scanning pending subrav: %w", err)
	}
	amount, _ := new(big.Int).SetString(amountStr, 10)
	return &storage.PendingSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.SupportedVersion,
			ChainID:           chainID,
			ChannelID:         channelID,
			ChannelEpoch:      channelEpoch,
			VMIDFragment:      vmIDFragment,
			AccumulatedAmount: amount,
			Nonce:             nonce,
		},
		CreatedAt: createdAt,
	}, nil
}

func (r *PendingSubRAVRepository) FindLatestBySubChannel(ctx context.Context, channelID [32]byte, vmIDFragment string) (*storage.PendingSubRAV, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT nonce, accumulated_amount, chain_id, channel_epoch, created_at
		FROM pending_subravs WHERE channel_id = $1 AND vm_id_fragment = $2
		ORDER BY nonce DESC LIMIT 1
	`, channelID[:], vmIDFragment)

	var nonce, chainID, channelEpoch uint64
	var amountStr string
	var createdAt time.Time
	if err := row.Scan(&nonce, &amountStr, &chainID, &channelEpoch, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: scanning latest pending subrav: %w", err)
	}
	amount, _ := new(big.Int).SetString(amountStr, 10)
	return &storage.PendingSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.SupportedVersion,
			ChainID:           chainID,
			ChannelID:         channelID,
			ChannelEpoch:      channelEpoch,
			VMIDFragment:      vmIDFragment,
			AccumulatedAmount: amount,
			Nonce:             nonce,
		},
		CreatedAt: createdAt,
	}, nil
}

func (r *PendingSubRAVRepository) Remove(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM pending_subravs WHERE channel_id = $1 AND vm_id_fragment = $2 AND nonce = $3
	`, channelID[:], vmIDFragment, nonce)
	if err != nil {
		return fmt.Errorf("sqlstore: deleting pending subrav: %w", err)
	}
	return nil
}

func (r *PendingSubRAVRepository) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_subravs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: cleaning up pending subravs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: counting cleaned up pending subravs: %w", err)
	}
	return int(n), nil
}

func (r *PendingSubRAVRepository) Stats(ctx context.Context) (map[string]int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM pending_subravs`).Scan(&n); err != nil {
		return nil, fmt.Errorf("sqlstore: counting pending subravs: %w", err)
	}
	return map[string]int{"pending": n}, nil
}
