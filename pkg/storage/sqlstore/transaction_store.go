package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/paymentkit/paymentkit/pkg/storage"
)

const txNotifyChannel = "paymentkit_transactions"

// TransactionStore is a Postgres-backed storage.TransactionStore. Writes are
// persisted to the transactions table and fanned out to local subscribers
// over a pq.Listener on a NOTIFY channel, so Subscribe observes writes made
// by any process sharing the same database, not just this one.
type TransactionStore struct {
	db *DB

	mu        sync.RWMutex
	listeners map[int]func(storage.TransactionEvent)
	nextID    int

	pqListener *pq.Listener
	stop       chan struct{}
}

// NewTransactionStore wraps an open DB and starts listening for
// cross-process notifications on txNotifyChannel.
func NewTransactionStore(db *DB, dsn string) (*TransactionStore, error) {
	s := &TransactionStore{
		db:        db,
		listeners: make(map[int]func(storage.TransactionEvent)),
		stop:      make(chan struct{}),
	}

	listener := pq.NewListener(dsn, 5*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {})
	if err := listener.Listen(txNotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("sqlstore: listening on %q: %w", txNotifyChannel, err)
	}
	s.pqListener = listener

	go s.pump()
	return s, nil
}

func (s *TransactionStore) pump() {
	for {
		select {
		case <-s.stop:
			return
		case n, ok := <-s.pqListener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			var ev storage.TransactionEvent
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				continue
			}
			s.broadcast(ev)
		}
	}
}

// Close stops the listener goroutine and releases the underlying connection.
func (s *TransactionStore) Close() error {
	close(s.stop)
	return s.pqListener.Close()
}

func notifyPayload(ev storage.TransactionEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *TransactionStore) publish(ctx context.Context, ev storage.TransactionEvent) {
	payload, err := notifyPayload(ev)
	if err != nil {
		return
	}
	// NOTIFY payloads are capped at 8000 bytes by Postgres; best-effort only,
	// local listeners are also updated synchronously below.
	_, _ = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, txNotifyChannel, payload)
}

func (s *TransactionStore) Create(ctx context.Context, rec storage.TransactionRecord) error {
	if err := s.write(ctx, rec, true); err != nil {
		return err
	}
	ev := storage.TransactionEvent{Type: "created", Record: rec}
	s.broadcast(ev)
	s.publish(ctx, ev)
	return nil
}

func (s *TransactionStore) Update(ctx context.Context, rec storage.TransactionRecord) error {
	if err := s.write(ctx, rec, false); err != nil {
		return err
	}
	ev := storage.TransactionEvent{Type: "updated", Record: rec}
	s.broadcast(ev)
	s.publish(ctx, ev)
	return nil
}

func (s *TransactionStore) write(ctx context.Context, rec storage.TransactionRecord, insertOnly bool) error {
	var cost, costUSD sql.NullString
	if rec.Payment.Cost != nil {
		cost = sql.NullString{String: rec.Payment.Cost.String(), Valid: true}
	}
	if rec.Payment.CostUSD != nil {
		costUSD = sql.NullString{String: rec.Payment.CostUSD.String(), Valid: true}
	}

	if insertOnly {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions (client_tx_ref, protocol, target, streaming, channel_id, vm_id_fragment,
				asset_id, cost, cost_usd, nonce, service_tx_ref, status, status_code, duration_ms, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		`, rec.ClientTxRef, rec.Protocol, rec.Target, rec.Streaming, rec.ChannelID[:], rec.VMIDFragment,
			rec.AssetID, cost, costUSD, rec.Payment.Nonce, rec.Payment.ServiceTxRef, string(rec.Status),
			rec.StatusCode, rec.DurationMs, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("sqlstore: inserting transaction: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET protocol=$2, target=$3, streaming=$4, channel_id=$5, vm_id_fragment=$6,
			asset_id=$7, cost=$8, cost_usd=$9, nonce=$10, service_tx_ref=$11, status=$12, status_code=$13,
			duration_ms=$14
		WHERE client_tx_ref = $1
	`, rec.ClientTxRef, rec.Protocol, rec.Target, rec.Streaming, rec.ChannelID[:], rec.VMIDFragment,
		rec.AssetID, cost, costUSD, rec.Payment.Nonce, rec.Payment.ServiceTxRef, string(rec.Status),
		rec.StatusCode, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("sqlstore: updating transaction: %w", err)
	}
	return nil
}

func (s *TransactionStore) Get(ctx context.Context, clientTxRef string) (*storage.TransactionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT protocol, target, streaming, channel_id, vm_id_fragment, asset_id, cost, cost_usd, nonce,
			service_tx_ref, status, status_code, duration_ms, created_at
		FROM transactions WHERE client_tx_ref = $1
	`, clientTxRef)

	rec, err := scanTransaction(row, clientTxRef)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func scanTransaction(row *sql.Row, clientTxRef string) (*storage.TransactionRecord, error) {
	var rec storage.TransactionRecord
	rec.ClientTxRef = clientTxRef
	var channelID []byte
	var cost, costUSD, serviceTxRef sql.NullString
	var nonce sql.NullInt64
	var status string

	if err := row.Scan(&rec.Protocol, &rec.Target, &rec.Streaming, &channelID, &rec.VMIDFragment, &rec.AssetID,
		&cost, &costUSD, &nonce, &serviceTxRef, &status, &rec.StatusCode, &rec.DurationMs, &rec.CreatedAt); err != nil {
		return nil, err
	}
	copy(rec.ChannelID[:], channelID)
	rec.Status = storage.TransactionStatus(status)
	rec.Payment.ServiceTxRef = serviceTxRef.String
	rec.Payment.Nonce = uint64(nonce.Int64)
	if cost.Valid {
		rec.Payment.Cost, _ = new(big.Int).SetString(cost.String, 10)
	}
	if costUSD.Valid {
		rec.Payment.CostUSD, _ = new(big.Int).SetString(costUSD.String, 10)
	}
	return &rec, nil
}

func (s *TransactionStore) List(ctx context.Context, filter storage.TransactionFilter, page storage.Pagination) ([]storage.TransactionRecord, error) {
	query := `SELECT client_tx_ref, protocol, target, streaming, channel_id, vm_id_fragment, asset_id, cost,
		cost_usd, nonce, service_tx_ref, status, status_code, duration_ms, created_at FROM transactions`
	var clauses []string
	var args []interface{}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ChannelID != nil {
		id := *filter.ChannelID
		args = append(args, id[:])
		clauses = append(clauses, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE "
		for i, c := range clauses {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}
	query += " ORDER BY created_at"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: listing transactions: %w", err)
	}
	defer rows.Close()

	var out []storage.TransactionRecord
	for rows.Next() {
		var rec storage.TransactionRecord
		var channelID []byte
		var cost, costUSD, serviceTxRef sql.NullString
		var nonce sql.NullInt64
		var status string
		if err := rows.Scan(&rec.ClientTxRef, &rec.Protocol, &rec.Target, &rec.Streaming, &channelID,
			&rec.VMIDFragment, &rec.AssetID, &cost, &costUSD, &nonce, &serviceTxRef, &status,
			&rec.StatusCode, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scanning transaction row: %w", err)
		}
		copy(rec.ChannelID[:], channelID)
		rec.Status = storage.TransactionStatus(status)
		rec.Payment.ServiceTxRef = serviceTxRef.String
		rec.Payment.Nonce = uint64(nonce.Int64)
		if cost.Valid {
			rec.Payment.Cost, _ = new(big.Int).SetString(cost.String, 10)
		}
		if costUSD.Valid {
			rec.Payment.CostUSD, _ = new(big.Int).SetString(costUSD.String, 10)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *TransactionStore) Subscribe(listener func(storage.TransactionEvent)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *TransactionStore) broadcast(ev storage.TransactionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listeners {
		l(ev)
	}
}
