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

// RAVRepository is a Postgres-backed storage.RAVRepository.
type RAVRepository struct {
	db *DB
}

// NewRAVRepository wraps an open DB.
func NewRAVRepository(db *DB) *RAVRepository {
	return &RAVRepository{db: db}
}

func (r *RAVRepository) Save(ctx context.Context, signed subrav.SignedSubRAV) error {
	s := signed.SubRAV
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ravs (channel_id, vm_id_fragment, nonce, accumulated_amount, chain_id, channel_epoch, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, vm_id_fragment, nonce) DO NOTHING
	`, s.ChannelID[:], s.VMIDFragment, s.Nonce, s.AccumulatedAmount.String(), s.ChainID, s.ChannelEpoch, signed.Signature)
	if err != nil {
		return fmt.Errorf("sqlstore: inserting rav: %w", err)
	}
	return nil
}

func scanRAV(row interface {
	Scan(dest ...interface{}) error
}, channelID [32]byte, vmIDFragment string) (subrav.SignedSubRAV, error) {
	var nonce, chainID, channelEpoch uint64
	var amountStr string
	var sig []byte
	if err := row.Scan(&nonce, &amountStr, &chainID, &channelEpoch, &sig); err != nil {
		return subrav.SignedSubRAV{}, err
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return subrav.SignedSubRAV{}, fmt.Errorf("sqlstore: invalid numeric amount %q", amountStr)
	}
	return subrav.SignedSubRAV{
		SubRAV: subrav.SubRAV{
			Version:           subrav.SupportedVersion,
			ChainID:           chainID,
			ChannelID:         channelID,
			ChannelEpoch:      channelEpoch,
			VMIDFragment:      vmIDFragment,
			AccumulatedAmount: amount,
			Nonce:             nonce,
		},
		Signature: sig,
	}, nil
}

func (r *RAVRepository) GetLatest(ctx context.Context, channelID [32]byte, vmIDFragment string) (*subrav.SignedSubRAV, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT nonce, accumulated_amount, chain_id, channel_epoch, signature
		FROM ravs WHERE channel_id = $1 AND vm_id_fragment = $2
		ORDER BY nonce DESC LIMIT 1
	`, channelID[:], vmIDFragment)
	signed, err := scanRAV(row, channelID, vmIDFragment)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: scanning latest rav: %w", err)
	}
	return &signed, nil
}

func (r *RAVRepository) List(ctx context.Context, channelID [32]byte) ([]subrav.SignedSubRAV, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT vm_id_fragment, nonce, accumulated_amount, chain_id, channel_epoch, signature
		FROM ravs WHERE channel_id = $1 ORDER BY vm_id_fragment, nonce
	`, channelID[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing ravs: %w", err)
	}
	defer rows.Close()

	var out []subrav.SignedSubRAV
	for rows.Next() {
		var vmIDFragment string
		var nonce, chainID, channelEpoch uint64
		var amountStr string
		var sig []byte
		if err := rows.Scan(&vmIDFragment, &nonce, &amountStr, &chainID, &channelEpoch, &sig); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning rav row: %w", err)
		}
		amount, _ := new(big.Int).SetString(amountStr, 10)
		out = append(out, subrav.SignedSubRAV{
			SubRAV: subrav.SubRAV{
				Version:           subrav.SupportedVersion,
				ChainID:           chainID,
				ChannelID:         channelID,
				ChannelEpoch:      channelEpoch,
				VMIDFragment:      vmIDFragment,
				AccumulatedAmount: amount,
				Nonce:             nonce,
			},
			Signature: sig,
		})
	}
	return out, rows.Err()
}

// GetUnclaimedRAVs picks the overall highest-nonce entry per vmIdFragment
// first (the DISTINCT ON ... ORDER BY nonce DESC), then checks only that
// row's claimed flag in Go: a claimed latest nonce supersedes every earlier
// unclaimed one, so filtering out claimed rows before the max-nonce
// comparison would wrongly surface a stale, already-superseded nonce.
func (r *RAVRepository) GetUnclaimedRAVs(ctx context.Context, channelID [32]byte) (map[string]subrav.SignedSubRAV, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (vm_id_fragment) vm_id_fragment, nonce, accumulated_amount, chain_id, channel_epoch, signature, claimed
		FROM ravs WHERE channel_id = $1
		ORDER BY vm_id_fragment, nonce DESC
	`, channelID[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing unclaimed ravs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]subrav.SignedSubRAV)
	for rows.Next() {
		var vmIDFragment string
		var nonce, chainID, channelEpoch uint64
		var amountStr string
		var sig []byte
		var claimed bool
		if err := rows.Scan(&vmIDFragment, &nonce, &amountStr, &chainID, &channelEpoch, &sig, &claimed); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning unclaimed rav row: %w", err)
		}
		if claimed {
			continue
		}
		amount, _ := new(big.Int).SetString(amountStr, 10)
		out[vmIDFragment] = subrav.SignedSubRAV{
			SubRAV: subrav.SubRAV{
				Version:           subrav.SupportedVersion,
				ChainID:           chainID,
				ChannelID:         channelID,
				ChannelEpoch:      channelEpoch,
				VMIDFragment:      vmIDFragment,
				AccumulatedAmount: amount,
				Nonce:             nonce,
			},
			Signature: sig,
		}
	}
	return out, rows.Err()
}

func (r *RAVRepository) MarkAsClaimed(ctx context.Context, channelID [32]byte, vmIDFragment string, nonce uint64, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ravs SET claimed = true, tx_hash = $4, claimed_at = now()
		WHERE channel_id = $1 AND vm_id_fragment = $2 AND nonce = $3
	`, channelID[:], vmIDFragment, nonce, txHash)
	if err != nil {
		return fmt.Errorf("sqlstore: marking rav claimed: %w", err)
	}
	return nil
}

func (r *RAVRepository) Cleanup(ctx context.Context, policy storage.CleanupPolicy) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)

	query := `DELETE FROM ravs WHERE claimed AND claimed_at < $1`
	if policy.KeepLatestPerSubChannel {
		query += `
			AND nonce < (
				SELECT max(nonce) FROM ravs r2
				WHERE r2.channel_id = ravs.channel_id AND r2.vm_id_fragment = ravs.vm_id_fragment
			)`
	}

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: cleaning up ravs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: counting cleaned up ravs: %w", err)
	}
	return int(n), nil
}
