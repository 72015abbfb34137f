package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/seatmap"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	config.MaxConnIdleTime = 15 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (p *PostgresStore) SeatMap(ctx context.Context, performanceID string) (*seatmap.SeatMap, error) {
	rows, err := p.db.Query(ctx, `SELECT seat_id, tier FROM seats WHERE performance_id = $1`, performanceID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	m := &seatmap.SeatMap{PerformanceID: performanceID, Seats: make(map[string]seatmap.Tier)}
	for rows.Next() {
		var id, tier string
		if err := rows.Scan(&id, &tier); err != nil {
			return nil, classify(err)
		}
		m.Seats[id] = seatmap.Tier(tier)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if len(m.Seats) == 0 {
		return nil, &errs.NotFoundError{Resource: "performance", ID: performanceID}
	}
	return m, nil
}

func (p *PostgresStore) GetPerformance(ctx context.Context, performanceID string) (*Performance, error) {
	query := `
		SELECT id, title, starts_at, total_seats, available_seats
		FROM performances
		WHERE id = $1
	`

	var perf Performance
	err := p.db.QueryRow(ctx, query, performanceID).Scan(
		&perf.ID,
		&perf.Title,
		&perf.StartsAt,
		&perf.TotalSeats,
		&perf.AvailableSeats,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: "performance", ID: performanceID}
	}
	if err != nil {
		return nil, classify(err)
	}

	perf.Prices, err = p.prices(ctx, performanceID)
	if err != nil {
		return nil, err
	}

	return &perf, nil
}

func (p *PostgresStore) prices(ctx context.Context, performanceID string) (map[seatmap.Tier]decimal.Decimal, error) {
	rows, err := p.db.Query(ctx, `SELECT tier, price FROM performance_prices WHERE performance_id = $1`, performanceID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	prices := make(map[seatmap.Tier]decimal.Decimal)
	for rows.Next() {
		var (
			tier  string
			price decimal.Decimal
		)
		if err := rows.Scan(&tier, &price); err != nil {
			return nil, classify(err)
		}
		prices[seatmap.Tier(tier)] = price
	}

	return prices, classify(rows.Err())
}

func (p *PostgresStore) ListPerformances(ctx context.Context) ([]Performance, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM performances ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	perfs := make([]Performance, 0, len(ids))
	for _, id := range ids {
		perf, err := p.GetPerformance(ctx, id)
		if err != nil {
			return nil, err
		}
		perfs = append(perfs, *perf)
	}
	return perfs, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
	err := runInTx(ctx, p.db, func(tx pgx.Tx) error {
		var available int
		err := tx.QueryRow(ctx,
			`SELECT available_seats FROM performances WHERE id = $1 FOR UPDATE`,
			b.PerformanceID,
		).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return &errs.NotFoundError{Resource: "performance", ID: b.PerformanceID}
		}
		if err != nil {
			return err
		}

		done, err := alreadyCreated(ctx, tx, b)
		if err != nil || done {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT seat_id
			FROM booking_seats
			WHERE performance_id = $1 AND seat_id = ANY($2) AND active
			ORDER BY seat_id
		`, b.PerformanceID, b.SeatIDs())
		if err != nil {
			return err
		}
		conflicts, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &errs.ConflictError{Seats: conflicts}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bookings (id, performance_id, holder_id, total_amount, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, b.ID, b.PerformanceID, b.HolderID, b.TotalAmount.String(), string(b.Status), b.CreatedAt)
		if err != nil {
			return err
		}

		for _, seat := range b.Seats {
			_, err = tx.Exec(ctx, `
				INSERT INTO booking_seats (booking_id, performance_id, seat_id, tier, price)
				VALUES ($1, $2, $3, $4, $5)
			`, b.ID, b.PerformanceID, seat.SeatID, string(seat.Tier), seat.Price.String())
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE performances SET available_seats = available_seats - $2 WHERE id = $1`,
			b.PerformanceID, len(b.Seats),
		)
		return err
	})

	return classify(err)
}

// alreadyCreated reports whether an earlier attempt stored b and only the
// commit acknowledgement was lost.
func alreadyCreated(ctx context.Context, tx pgx.Tx, b *Booking) (bool, error) {
	var holderID, performanceID string
	err := tx.QueryRow(ctx,
		`SELECT holder_id, performance_id FROM bookings WHERE id = $1`,
		b.ID,
	).Scan(&holderID, &performanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rows, err := tx.Query(ctx, `SELECT seat_id FROM booking_seats WHERE booking_id = $1`, b.ID)
	if err != nil {
		return false, err
	}
	stored, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return false, err
	}

	if holderID != b.HolderID || performanceID != b.PerformanceID || !sameSeats(stored, b.SeatIDs()) {
		return false, fmt.Errorf("booking %s already exists with different contents", b.ID)
	}
	return true, nil
}

// bookingKey returns the canonical form of a booking id, or NotFound when
// the id cannot name a stored booking.
func bookingKey(bookingID string) (string, error) {
	id, err := uuid.Parse(bookingID)
	if err != nil {
		return "", &errs.NotFoundError{Resource: "booking", ID: bookingID}
	}
	return id.String(), nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	key, err := bookingKey(bookingID)
	if err != nil {
		return nil, err
	}

	var (
		b      Booking
		status string
	)
	err = p.db.QueryRow(ctx, `
		SELECT id::text, performance_id, holder_id, total_amount, status, created_at
		FROM bookings
		WHERE id = $1
	`, key).Scan(&b.ID, &b.PerformanceID, &b.HolderID, &b.TotalAmount, &status, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: "booking", ID: bookingID}
	}
	if err != nil {
		return nil, classify(err)
	}
	b.Status = Status(status)

	rows, err := p.db.Query(ctx, `
		SELECT seat_id, tier, price
		FROM booking_seats
		WHERE booking_id = $1
		ORDER BY seat_id
	`, key)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seat Seat
			tier string
		)
		if err := rows.Scan(&seat.SeatID, &tier, &seat.Price); err != nil {
			return nil, classify(err)
		}
		seat.Tier = seatmap.Tier(tier)
		b.Seats = append(b.Seats, seat)
	}

	return &b, classify(rows.Err())
}

func (p *PostgresStore) CancelBooking(ctx context.Context, bookingID, holderID string) (*Booking, error) {
	key, err := bookingKey(bookingID)
	if err != nil {
		return nil, err
	}

	err = runInTx(ctx, p.db, func(tx pgx.Tx) error {
		var (
			performanceID string
			status        string
		)
		err := tx.QueryRow(ctx, `
			SELECT performance_id, status
			FROM bookings
			WHERE id = $1 AND holder_id = $2
			FOR UPDATE
		`, key, holderID).Scan(&performanceID, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return &errs.NotFoundError{Resource: "booking", ID: bookingID}
		}
		if err != nil {
			return err
		}
		if Status(status) == StatusCancelled {
			return &errs.ValidationError{Reason: errs.ReasonInvalidRequest, Message: "booking is already cancelled"}
		}

		if _, err := tx.Exec(ctx, `SELECT 1 FROM performances WHERE id = $1 FOR UPDATE`, performanceID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE booking_seats SET active = FALSE WHERE booking_id = $1 AND active`,
			key,
		)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE bookings SET status = 'cancelled', cancelled_at = NOW() WHERE id = $1`,
			key,
		); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE performances SET available_seats = available_seats + $2 WHERE id = $1`,
			performanceID, tag.RowsAffected(),
		)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}

	return p.GetBooking(ctx, key)
}

func (p *PostgresStore) BookedSeats(ctx context.Context, performanceID string) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT seat_id FROM booking_seats
		WHERE performance_id = $1 AND active
		ORDER BY seat_id
	`, performanceID)
	if err != nil {
		return nil, classify(err)
	}

	seats, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err)
	}
	return seats, nil
}

// SeedPerformance inserts a performance with its prices and seat map unless
// it already exists.
func (p *PostgresStore) SeedPerformance(ctx context.Context, perf Performance, m *seatmap.SeatMap) error {
	if err := validPerformance(perf.ID); err != nil {
		return err
	}

	err := runInTx(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO performances (id, title, starts_at, total_seats, available_seats)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (id) DO NOTHING
		`, perf.ID, perf.Title, perf.StartsAt, len(m.Seats))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		for tier, price := range perf.Prices {
			if _, err := tx.Exec(ctx,
				`INSERT INTO performance_prices (performance_id, tier, price) VALUES ($1, $2, $3)`,
				perf.ID, string(tier), price.String(),
			); err != nil {
				return err
			}
		}

		rows := make([][]any, 0, len(m.Seats))
		for _, id := range m.SeatIDs() {
			rows = append(rows, []any{perf.ID, id, string(m.Seats[id])})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"seats"},
			[]string{"performance_id", "seat_id", "tier"},
			pgx.CopyFromRows(rows),
		)
		return err
	})

	return classify(err)
}

func runInTx(ctx context.Context, db *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	var txOptions pgx.TxOptions

	tx, err := db.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}

	err = fn(tx)
	if err == nil {
		return tx.Commit(ctx)
	}

	rollbackErr := tx.Rollback(ctx)
	if rollbackErr != nil {
		return errors.Join(err, rollbackErr)
	}

	return err
}

// classify turns driver errors into the reservation taxonomy. Taxonomy
// errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var (
		conflict   *errs.ConflictError
		validation *errs.ValidationError
		notFound   *errs.NotFoundError
	)
	if errors.As(err, &conflict) || errors.As(err, &validation) || errors.As(err, &notFound) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// A unique violation means a concurrent booking won the seat after our
		// re-check; retrying re-runs the check and names the seats.
		case pgErr.Code == pgerrcode.UniqueViolation,
			pgerrcode.IsTransactionRollback(pgErr.Code),
			pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return errs.Transient(err)
		}
		return fmt.Errorf("postgres error %s: %w", pgErr.Code, err)
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return errs.Transient(err)
	}

	return err
}
