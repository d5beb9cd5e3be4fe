package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

const ticketColumns = `id, lottery_id, ticket_number, code::text, buyer_id, account_id, seller_id, price,
    commission, payment_state, state, winner_rank, transaction_id, voided_at, created_at`

func scanTicket(row pgx.CollectableRow) (domain.Ticket, error) {
	var (
		t       domain.Ticket
		payment string
		state   string
	)
	err := row.Scan(&t.ID, &t.LotteryID, &t.TicketNumber, &t.Code, &t.BuyerID, &t.AccountID, &t.SellerID,
		&t.Price, &t.Commission, &payment, &state, &t.WinnerRank, &t.TransactionID, &t.VoidedAt, &t.CreatedAt)
	t.PaymentState = domain.PaymentState(payment)
	t.State = domain.TicketState(state)
	return t, err
}

// InsertTicketIfAbsent relies on the partial unique index over non-voided
// paid tickets: ON CONFLICT DO NOTHING returns no row when the number is taken.
func (s *Store) InsertTicketIfAbsent(ctx context.Context, t *domain.Ticket) (bool, error) {
	if t.State == "" {
		t.State = domain.TicketSold
	}
	t.CreatedAt = utc(t.CreatedAt)

	err := s.db.QueryRow(ctx, `
INSERT INTO tickets (lottery_id, ticket_number, code, buyer_id, account_id, seller_id, price, commission,
    payment_state, state, transaction_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (lottery_id, ticket_number) WHERE payment_state = 'paid' AND voided_at IS NULL DO NOTHING
RETURNING id`,
		t.LotteryID, t.TicketNumber, t.Code, t.BuyerID, t.AccountID, t.SellerID, t.Price, t.Commission,
		string(t.PaymentState), string(t.State), t.TransactionID, t.CreatedAt,
	).Scan(&t.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err, "insert ticket")
	}
	return true, nil
}

func (s *Store) VoidTicket(ctx context.Context, ticketID int64, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE tickets SET voided_at = $2 WHERE id = $1 AND voided_at IS NULL", ticketID, utc(at))
	if err != nil {
		return mapErr(err, "void ticket")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) SoldNumbers(ctx context.Context, lotteryID int64) ([]int, error) {
	rows, err := s.db.Query(ctx, `
SELECT ticket_number FROM tickets
WHERE lottery_id = $1 AND payment_state = 'paid' AND voided_at IS NULL
ORDER BY ticket_number`, lotteryID)
	if err != nil {
		return nil, mapErr(err, "select sold numbers")
	}
	numbers, err := pgx.CollectRows(rows, pgx.RowTo[int])
	return numbers, mapErr(err, "scan sold numbers")
}

func (s *Store) PaidTickets(ctx context.Context, lotteryID int64) ([]domain.Ticket, error) {
	rows, err := s.db.Query(ctx, "SELECT "+ticketColumns+` FROM tickets
WHERE lottery_id = $1 AND payment_state = 'paid' AND voided_at IS NULL
ORDER BY ticket_number`, lotteryID)
	if err != nil {
		return nil, mapErr(err, "select paid tickets")
	}
	tickets, err := pgx.CollectRows(rows, scanTicket)
	return tickets, mapErr(err, "scan paid tickets")
}

func (s *Store) ResetOutcomes(ctx context.Context, lotteryID int64) error {
	_, err := s.db.Exec(ctx, `
UPDATE tickets SET state = 'sold', winner_rank = NULL
WHERE lottery_id = $1 AND payment_state = 'paid' AND voided_at IS NULL`, lotteryID)
	return mapErr(err, "reset outcomes")
}

func (s *Store) MarkWinner(ctx context.Context, ticketID int64, rank int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tickets SET state = 'winner', winner_rank = $2
WHERE id = $1 AND payment_state = 'paid' AND voided_at IS NULL`, ticketID, rank)
	if err != nil {
		return mapErr(err, "mark winner")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoMatch
	}
	return nil
}

func (s *Store) MarkLosers(ctx context.Context, lotteryID int64) error {
	_, err := s.db.Exec(ctx, `
UPDATE tickets SET state = 'lost'
WHERE lottery_id = $1 AND state = 'sold' AND payment_state = 'paid' AND voided_at IS NULL`, lotteryID)
	return mapErr(err, "mark losers")
}

// UpsertBuyer dedups on the exact phone string; an existing buyer keeps its name.
func (s *Store) UpsertBuyer(ctx context.Context, name, phone string) (*domain.Buyer, error) {
	var b domain.Buyer
	err := s.db.QueryRow(ctx, `
INSERT INTO buyers (name, phone) VALUES ($1, $2)
ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
RETURNING id, name, phone, created_at`, name, phone).Scan(&b.ID, &b.Name, &b.Phone, &b.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "upsert buyer")
	}
	return &b, nil
}
