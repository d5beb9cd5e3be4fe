package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

const lotteryColumns = `id, title, created_by, ticket_count, tickets_sold, ticket_price,
    commission_per_ticket, status, prizes, winning_ticket_numbers, ended_at, created_at`

func scanLottery(row pgx.Row) (*domain.Lottery, error) {
	var (
		l       domain.Lottery
		status  string
		prizes  []byte
		winning []int32
	)
	err := row.Scan(&l.ID, &l.Title, &l.CreatedBy, &l.TicketCount, &l.TicketsSold, &l.TicketPrice,
		&l.CommissionPerTicket, &status, &prizes, &winning, &l.EndedAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = domain.LotteryStatus(status)
	l.WinningTicketNumbers = fromInt32s(winning)
	if len(prizes) > 0 {
		if err := json.Unmarshal(prizes, &l.Prizes); err != nil {
			return nil, errors.Wrapf(err, "lottery %d prizes", l.ID)
		}
	}
	return &l, nil
}

func (s *Store) CreateLottery(ctx context.Context, l *domain.Lottery) error {
	prizes, err := jsonBytes(l.Prizes)
	if err != nil {
		return errors.Wrap(err, "encode prizes")
	}
	if l.Status == "" {
		l.Status = domain.LotteryPending
	}
	l.CreatedAt = utc(l.CreatedAt)

	err = s.db.QueryRow(ctx, `
INSERT INTO lotteries (title, created_by, ticket_count, tickets_sold, ticket_price, commission_per_ticket, status, prizes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		l.Title, l.CreatedBy, l.TicketCount, l.TicketsSold, l.TicketPrice, l.CommissionPerTicket,
		string(l.Status), string(prizes), l.CreatedAt,
	).Scan(&l.ID)
	return mapErr(err, "insert lottery")
}

func (s *Store) GetLottery(ctx context.Context, id int64) (*domain.Lottery, error) {
	l, err := scanLottery(s.db.QueryRow(ctx, "SELECT "+lotteryColumns+" FROM lotteries WHERE id = $1", id))
	if err != nil {
		return nil, mapErr(err, "select lottery")
	}
	return l, nil
}

func (s *Store) AddSold(ctx context.Context, lotteryID int64, n int) (*domain.Lottery, error) {
	l, err := scanLottery(s.db.QueryRow(ctx, `
UPDATE lotteries SET tickets_sold = tickets_sold + $2
WHERE id = $1 AND status = 'active' AND tickets_sold + $2 <= ticket_count
RETURNING `+lotteryColumns, lotteryID, n))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNoMatch
		}
		return nil, mapErr(err, "increment tickets_sold")
	}
	return l, nil
}

func (s *Store) ReleaseSold(ctx context.Context, lotteryID int64, n int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE lotteries SET tickets_sold = tickets_sold - $2
WHERE id = $1 AND tickets_sold >= $2`, lotteryID, n)
	if err != nil {
		return mapErr(err, "release tickets_sold")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) EndIfExhausted(ctx context.Context, lotteryID int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE lotteries SET status = 'ended', ended_at = $2
WHERE id = $1 AND status = 'active' AND tickets_sold = ticket_count`, lotteryID, utc(at))
	if err != nil {
		return false, mapErr(err, "end exhausted lottery")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TransitionStatus(ctx context.Context, lotteryID int64, from, to domain.LotteryStatus, at time.Time) error {
	var endedAt *time.Time
	if to == domain.LotteryEnded {
		t := utc(at)
		endedAt = &t
	}
	tag, err := s.db.Exec(ctx, `
UPDATE lotteries SET status = $3, ended_at = COALESCE($4, ended_at)
WHERE id = $1 AND status = $2`, lotteryID, string(from), string(to), endedAt)
	if err != nil {
		return mapErr(err, "transition lottery")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) SetWinningNumbers(ctx context.Context, lotteryID int64, numbers []int, onlyIfUnset bool) error {
	sql := `UPDATE lotteries SET winning_ticket_numbers = $2 WHERE id = $1`
	if onlyIfUnset {
		sql += ` AND (winning_ticket_numbers IS NULL OR cardinality(winning_ticket_numbers) = 0)`
	}
	tag, err := s.db.Exec(ctx, sql, lotteryID, toInt32s(numbers))
	if err != nil {
		return mapErr(err, "set winning numbers")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}
