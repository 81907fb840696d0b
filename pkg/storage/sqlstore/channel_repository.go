package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

// ChannelRepository is a Postgres-backed storage.ChannelRepository.
type ChannelRepository struct {
	db *DB
}

// NewChannelRepository wraps an open DB.
func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

func (r *ChannelRepository) SetChannel(ctx context.Context, info storage.ChannelInfo) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, payer_did, payee_did, asset_id, epoch, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id) DO UPDATE SET
			payer_did = EXCLUDED.payer_did,
			payee_did = EXCLUDED.payee_did,
			asset_id = EXCLUDED.asset_id,
			epoch = EXCLUDED.epoch,
			status = EXCLUDED.status
	`, info.ChannelID[:], info.PayerDID, info.PayeeDID, info.AssetID, info.Epoch, info.Status)
	if err != nil {
		return fmt.Errorf("sqlstore: upserting channel: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetChannel(ctx context.Context, channelID [32]byte) (storage.ChannelInfo, bool, error) {
	var info storage.ChannelInfo
	info.ChannelID = channelID
	row := r.db.QueryRowContext(ctx, `
		SELECT payer_did, payee_did, asset_id, epoch, status FROM channels WHERE channel_id = $1
	`, channelID[:])
	if err := row.Scan(&info.PayerDID, &info.PayeeDID, &info.AssetID, &info.Epoch, &info.Status); err != nil {
		if err == sql.ErrNoRows {
			return storage.ChannelInfo{}, false, nil
		}
		return storage.ChannelInfo{}, false, fmt.Errorf("sqlstore: scanning channel: %w", err)
	}
	return info, true, nil
}

func (r *ChannelRepository) RemoveChannel(ctx context.Context, channelID [32]byte) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = $1`, channelID[:])
	if err != nil {
		return fmt.Errorf("sqlstore: deleting channel: %w", err)
	}
	return nil
}

func (r *ChannelRepository) ListChannels(ctx context.Context, filter storage.ChannelFilter, page storage.Pagination) ([]storage.ChannelInfo, error) {
	var clauses []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if filter.PayerDID != nil {
		add("payer_did", *filter.PayerDID)
	}
	if filter.PayeeDID != nil {
		add("payee_did", *filter.PayeeDID)
	}
	if filter.Status != nil {
		add("status", *filter.Status)
	}
	if filter.AssetID != nil {
		add("asset_id", *filter.AssetID)
	}

	query := `SELECT channel_id, payer_did, payee_did, asset_id, epoch, status FROM channels`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY channel_id"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing channels: %w", err)
	}
	defer rows.Close()

	var out []storage.ChannelInfo
	for rows.Next() {
		var info storage.ChannelInfo
		var id []byte
		if err := rows.Scan(&id, &info.PayerDID, &info.PayeeDID, &info.AssetID, &info.Epoch, &info.Status); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning channel row: %w", err)
		}
		copy(info.ChannelID[:], id)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (r *ChannelRepository) GetSubChannel(ctx context.Context, key storage.SubChannelKey) (storage.SubChannelInfo, bool, error) {
	var info storage.SubChannelInfo
	info.ChannelID = key.ChannelID
	info.VMIDFragment = key.VMIDFragment
	var amountStr string
	row := r.db.QueryRowContext(ctx, `
		SELECT epoch, last_claimed_amount, last_confirmed_nonce, last_updated
		FROM sub_channels WHERE channel_id = $1 AND vm_id_fragment = $2
	`, key.ChannelID[:], key.VMIDFragment)
	if err := row.Scan(&info.Epoch, &amountStr, &info.LastConfirmedNonce, &info.LastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return storage.SubChannelInfo{}, false, nil
		}
		return storage.SubChannelInfo{}, false, fmt.Errorf("sqlstore: scanning sub-channel: %w", err)
	}
	amount, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return storage.SubChannelInfo{}, false, fmt.Errorf("sqlstore: invalid numeric amount %q", amountStr)
	}
	info.LastClaimedAmount = amount
	return info, true, nil
}

func (r *ChannelRepository) UpdateSubChannel(ctx context.Context, key storage.SubChannelKey, update storage.SubChannelUpdate) (storage.SubChannelInfo, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.SubChannelInfo{}, fmt.Errorf("sqlstore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var epoch uint64
	var amountStr string
	var nonce uint64
	row := tx.QueryRowContext(ctx, `
		SELECT epoch, last_claimed_amount, last_confirmed_nonce
		FROM sub_channels WHERE channel_id = $1 AND vm_id_fragment = $2 FOR UPDATE
	`, key.ChannelID[:], key.VMIDFragment)
	err = row.Scan(&epoch, &amountStr, &nonce)
	amount := big.NewInt(0)
	if err == sql.ErrNoRows {
		epoch, nonce = 0, 0
	} else if err != nil {
		return storage.SubChannelInfo{}, fmt.Errorf("sqlstore: scanning sub-channel for update: %w", err)
	} else {
		amount, _ = new(big.Int).SetString(amountStr, 10)
	}

	if update.Epoch != nil {
		epoch = *update.Epoch
	}
	if update.LastClaimedAmount != nil {
		amount = new(big.Int).Set(update.LastClaimedAmount)
	}
	if update.LastConfirmedNonce != nil {
		nonce = *update.LastConfirmedNonce
	}
	now := time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sub_channels (channel_id, vm_id_fragment, epoch, last_claimed_amount, last_confirmed_nonce, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (channel_id, vm_id_fragment) DO UPDATE SET
			epoch = EXCLUDED.epoch,
			last_claimed_amount = EXCLUDED.last_claimed_amount,
			last_confirmed_nonce = EXCLUDED.last_confirmed_nonce,
			last_updated = EXCLUDED.last_updated
	`, key.ChannelID[:], key.VMIDFragment, epoch, amount.String(), nonce, now)
	if err != nil {
		return storage.SubChannelInfo{}, fmt.Errorf("sqlstore: upserting sub-channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.SubChannelInfo{}, fmt.Errorf("sqlstore: committing sub-channel update: %w", err)
	}

	return storage.SubChannelInfo{
		ChannelID:          key.ChannelID,
		VMIDFragment:       key.VMIDFragment,
		Epoch:              epoch,
		LastClaimedAmount:  amount,
		LastConfirmedNonce: nonce,
		LastUpdated:        now,
	}, nil
}

func (r *ChannelRepository) RemoveSubChannel(ctx context.Context, key storage.SubChannelKey) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sub_channels WHERE channel_id = $1 AND vm_id_fragment = $2
	`, key.ChannelID[:], key.VMIDFragment)
	if err != nil {
		return fmt.Errorf("sqlstore: deleting sub-channel: %w", err)
	}
	return nil
}

func (r *ChannelRepository) ListSubChannels(ctx context.Context, channelID [32]byte) ([]storage.SubChannelInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT vm_id_fragment, epoch, last_claimed_amount, last_confirmed_nonce, last_updated
		FROM sub_channels WHERE channel_id = $1 ORDER BY vm_id_fragment
	`, channelID[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing sub-channels: %w", err)
	}
	defer rows.Close()

	var out []storage.SubChannelInfo
	for rows.Next() {
		info := storage.SubChannelInfo{ChannelID: channelID}
		var amountStr string
		if err := rows.Scan(&info.VMIDFragment, &info.Epoch, &amountStr, &info.LastConfirmedNonce, &info.LastUpdated); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning sub-channel row: %w", err)
		}
		info.LastClaimedAmount, _ = new(big.Int).SetString(amountStr, 10)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (r *ChannelRepository) Stats(ctx context.Context) (map[string]int, error) {
	var channels, subChannels int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM channels`).Scan(&channels); err != nil {
		return nil, fmt.Errorf("sqlstore: counting channels: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM sub_channels`).Scan(&subChannels); err != nil {
		return nil, fmt.Errorf("sqlstore: counting sub-channels: %w", err)
	}
	return map[string]int{"channels": channels, "subChannels": subChannels}, nil
}
