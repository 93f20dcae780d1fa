package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/example/bagmatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate brings the schema up to the latest embedded migration.
func (p *PostgresStore) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(p.db, "migrations")
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const matchColumns = `id, shopper_request_id, trip_id, traveler_id, shopper_id,
	assigned_items, candidate_items, status, payment_status, match_score,
	claimed_at, approved_at, cooldown_expires_at, purchased_at, boarded_at,
	delivered_to_vendor_at, completed_at, cancelled_at, rejected_at, disputed_at, paid_at,
	receipt_url, cancel_reason, cancelled_by, reject_reason, dispute_reason,
	pin_hash, pin_salt, pin_issued_at, pin_expires_at, pin_attempts, pin_store_location,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*models.Match, error) {
	var (
		m         models.Match
		pinHash   []byte
		pinSalt   []byte
		pinIssued *time.Time
		pinExpiry *time.Time
		attempts  int
		location  string
	)
	err := row.Scan(&m.ID, &m.ShopperRequestID, &m.TripID, &m.TravelerID, &m.ShopperID,
		pq.Array(&m.AssignedItems), pq.Array(&m.CandidateItems), &m.Status, &m.PaymentStatus, &m.MatchScore,
		&m.ClaimedAt, &m.ApprovedAt, &m.CooldownExpiresAt, &m.PurchasedAt, &m.BoardedAt,
		&m.DeliveredToVendorAt, &m.CompletedAt, &m.CancelledAt, &m.RejectedAt, &m.DisputedAt, &m.PaidAt,
		&m.ReceiptURL, &m.CancelReason, &m.CancelledBy, &m.RejectReason, &m.DisputeReason,
		&pinHash, &pinSalt, &pinIssued, &pinExpiry, &attempts, &location,
		&m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(pinHash) > 0 {
		m.Pin = &models.VerificationPin{
			Hash:          pinHash,
			Salt:          pinSalt,
			AttemptCount:  attempts,
			StoreLocation: location,
		}
		if pinIssued != nil {
			m.Pin.IssuedAt = *pinIssued
		}
		if pinExpiry != nil {
			m.Pin.ExpiresAt = *pinExpiry
		}
	}
	return &m, nil
}

type pinColumns struct {
	hash, salt      []byte
	issued, expires *time.Time
	attempts        int
	location        string
}

func pinArgs(pin *models.VerificationPin) pinColumns {
	if pin == nil {
		return pinColumns{}
	}
	return pinColumns{
		hash:     pin.Hash,
		salt:     pin.Salt,
		issued:   models.TimePtr(pin.IssuedAt),
		expires:  models.TimePtr(pin.ExpiresAt),
		attempts: pin.AttemptCount,
		location: pin.StoreLocation,
	}
}

// strs keeps NOT NULL array columns from receiving NULL for nil slices.
func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (p *PostgresStore) CreateMatch(ctx context.Context, m *models.Match) error {
	pc := pinArgs(m.Pin)
	_, err := p.db.ExecContext(ctx, `INSERT INTO matches(`+matchColumns+`) VALUES(
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
		$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)`,
		m.ID, m.ShopperRequestID, m.TripID, m.TravelerID, m.ShopperID,
		pq.Array(strs(m.AssignedItems)), pq.Array(strs(m.CandidateItems)), m.Status, m.PaymentStatus, m.MatchScore,
		m.ClaimedAt, m.ApprovedAt, m.CooldownExpiresAt, m.PurchasedAt, m.BoardedAt,
		m.DeliveredToVendorAt, m.CompletedAt, m.CancelledAt, m.RejectedAt, m.DisputedAt, m.PaidAt,
		m.ReceiptURL, m.CancelReason, m.CancelledBy, m.RejectReason, m.DisputeReason,
		pc.hash, pc.salt, pc.issued, pc.expires, pc.attempts, pc.location,
		m.Version, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create match %s: %w", m.ID, ErrDuplicate)
	}
	return err
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (p *PostgresStore) FindMatches(ctx context.Context, f MatchFilter) ([]*models.Match, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ShopperRequestID != "" {
		add("shopper_request_id = $%d", f.ShopperRequestID)
	}
	if f.ShopperID != "" {
		add("shopper_id = $%d", f.ShopperID)
	}
	if f.TravelerID != "" {
		add("traveler_id = $%d", f.TravelerID)
	}
	if f.TripID != "" {
		add("trip_id = $%d", f.TripID)
	}
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		where = append(where, fmt.Sprintf("(shopper_id = $%d OR traveler_id = $%d)", len(args), len(args)))
	}
	if f.ActiveOnly {
		add("status <> ALL($%d)", pq.Array(statusStrings(models.TerminalStatuses)))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	q := `SELECT ` + matchColumns + ` FROM matches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompareAndSwap runs the predicate and the write in one transaction. The
// shopper request row is locked first when items must stay exclusive, so two
// claims on sibling matches serialise on it and the second sees the first.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, next *models.Match, exp Expect) (*models.Match, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if exp.ExclusiveItems {
		if _, err := tx.ExecContext(ctx, `SELECT id FROM shopper_requests WHERE id = $1 FOR UPDATE`, next.ShopperRequestID); err != nil {
			return nil, err
		}
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT id FROM matches
			WHERE shopper_request_id = $1 AND id <> $2 AND status <> ALL($3) AND assigned_items && $4::text[]
			LIMIT 1`,
			next.ShopperRequestID, next.ID, pq.Array(statusStrings(models.TerminalStatuses)), pq.Array(strs(next.AssignedItems)),
		).Scan(&holder)
		switch {
		case err == nil:
			return nil, fmt.Errorf("match %s: held by %s: %w", next.ID, holder, ErrItemConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	pc := pinArgs(next.Pin)
	row := tx.QueryRowContext(ctx, `UPDATE matches SET
		traveler_id = $1, assigned_items = $2, candidate_items = $3, status = $4, payment_status = $5,
		claimed_at = $6, approved_at = $7, cooldown_expires_at = $8, purchased_at = $9, boarded_at = $10,
		delivered_to_vendor_at = $11, completed_at = $12, cancelled_at = $13, rejected_at = $14,
		disputed_at = $15, paid_at = $16,
		receipt_url = $17, cancel_reason = $18, cancelled_by = $19, reject_reason = $20, dispute_reason = $21,
		pin_hash = $22, pin_salt = $23, pin_issued_at = $24, pin_expires_at = $25, pin_attempts = $26,
		pin_store_location = $27,
		version = version + 1, updated_at = now()
		WHERE id = $28 AND status = $29 AND version = $30
		RETURNING `+matchColumns,
		next.TravelerID, pq.Array(strs(next.AssignedItems)), pq.Array(strs(next.CandidateItems)), next.Status, next.PaymentStatus,
		next.ClaimedAt, next.ApprovedAt, next.CooldownExpiresAt, next.PurchasedAt, next.BoardedAt,
		next.DeliveredToVendorAt, next.CompletedAt, next.CancelledAt, next.RejectedAt,
		next.DisputedAt, next.PaidAt,
		next.ReceiptURL, next.CancelReason, next.CancelledBy, next.RejectReason, next.DisputeReason,
		pc.hash, pc.salt, pc.issued, pc.expires, pc.attempts,
		pc.location,
		next.ID, exp.Status, exp.Version)
	stored, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		var version int64
		lookup := tx.QueryRowContext(ctx, `SELECT status, version FROM matches WHERE id = $1`, next.ID).Scan(&status, &version)
		if errors.Is(lookup, sql.ErrNoRows) {
			return nil, fmt.Errorf("match %s: %w", next.ID, ErrNotFound)
		}
		if lookup != nil {
			return nil, lookup
		}
		return nil, fmt.Errorf("match %s is %s@%d, expected %s@%d: %w",
			next.ID, status, version, exp.Status, exp.Version, ErrStale)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *PostgresStore) SaveShopperRequest(ctx context.Context, r *models.ShopperRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO shopper_requests(id, shopper_id, dest_city, dest_country, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET dest_city = EXCLUDED.dest_city, dest_country = EXCLUDED.dest_country, status = EXCLUDED.status`,
		r.ID, r.ShopperID, r.Destination.City, r.Destination.Country, r.Status, r.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bag_items WHERE shopper_request_id = $1`, r.ID); err != nil {
		return err
	}
	for i, it := range r.BagItems {
		_, err := tx.ExecContext(ctx, `INSERT INTO bag_items(id, shopper_request_id, position, name, link, price, currency, weight_kg, quantity, fragile, photos)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			it.ID, r.ID, i, it.Name, it.Link, it.Price, it.Currency, it.WeightKg, it.Quantity, it.Fragile, pq.Array(strs(it.Photos)))
		if err != nil {
			return fmt.Errorf("insert bag item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetShopperRequest(ctx context.Context, id string) (*models.ShopperRequest, error) {
	r := models.ShopperRequest{}
	err := p.db.QueryRowContext(ctx, `SELECT id, shopper_id, dest_city, dest_country, status, created_at
		FROM shopper_requests WHERE id = $1`, id).
		Scan(&r.ID, &r.ShopperID, &r.Destination.City, &r.Destination.Country, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shopper request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, link, price, currency, weight_kg, quantity, fragile, photos
		FROM bag_items WHERE shopper_request_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it := models.BagItem{ShopperRequestID: id}
		if err := rows.Scan(&it.ID, &it.Name, &it.Link, &it.Price, &it.Currency, &it.WeightKg,
			&it.Quantity, &it.Fragile, pq.Array(&it.Photos)); err != nil {
			return nil, err
		}
		r.BagItems = append(r.BagItems, it)
	}
	return &r, rows.Err()
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, traveler_id, origin_city, origin_country, dest_city, dest_country,
		departure_date, arrival_date, carry_on_kg, checked_kg, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET departure_date = EXCLUDED.departure_date, arrival_date = EXCLUDED.arrival_date,
		carry_on_kg = EXCLUDED.carry_on_kg, checked_kg = EXCLUDED.checked_kg`,
		t.ID, t.TravelerID, t.Origin.City, t.Origin.Country, t.Destination.City, t.Destination.Country,
		t.DepartureDate, t.ArrivalDate, t.CarryOnKg, t.CheckedKg, t.CreatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t := models.Trip{}
	var departure, arrival *time.Time
	err := p.db.QueryRowContext(ctx, `SELECT id, traveler_id, origin_city, origin_country, dest_city, dest_country,
		departure_date, arrival_date, carry_on_kg, checked_kg, created_at FROM trips WHERE id = $1`, id).
		Scan(&t.ID, &t.TravelerID, &t.Origin.City, &t.Origin.Country, &t.Destination.City, &t.Destination.Country,
			&departure, &arrival, &t.CarryOnKg, &t.CheckedKg, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if departure != nil {
		t.DepartureDate = *departure
	}
	if arrival != nil {
		t.ArrivalDate = *arrival
	}
	return &t, nil
}

func statusStrings(ss []models.MatchStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
