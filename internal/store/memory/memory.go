// Package memory is an in-process implementation of the store contract.
//
// Each exported call is applied under a single mutex, which gives the same
// per-row atomicity the conditional writes get from PostgreSQL. Atomic units
// run against a private copy that replaces the live data on success, so a
// failed unit leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/store"
)

type data struct {
	seq       int64
	lotteries map[int64]domain.Lottery
	tickets   map[int64]domain.Ticket
	buyers    map[int64]domain.Buyer
	phones    map[string]int64
	accounts  map[int64]domain.Account
	txs       map[int64]domain.Transaction
	txKeys    map[string]int64
}

func newData() *data {
	return &data{
		lotteries: make(map[int64]domain.Lottery),
		tickets:   make(map[int64]domain.Ticket),
		buyers:    make(map[int64]domain.Buyer),
		phones:    make(map[string]int64),
		accounts:  make(map[int64]domain.Account),
		txs:       make(map[int64]domain.Transaction),
		txKeys:    make(map[string]int64),
	}
}

func (d *data) clone() *data {
	c := &data{
		seq:       d.seq,
		lotteries: make(map[int64]domain.Lottery, len(d.lotteries)),
		tickets:   make(map[int64]domain.Ticket, len(d.tickets)),
		buyers:    make(map[int64]domain.Buyer, len(d.buyers)),
		phones:    make(map[string]int64, len(d.phones)),
		accounts:  make(map[int64]domain.Account, len(d.accounts)),
		txs:       make(map[int64]domain.Transaction, len(d.txs)),
		txKeys:    make(map[string]int64, len(d.txKeys)),
	}
	for k, v := range d.lotteries {
		c.lotteries[k] = v
	}
	for k, v := range d.tickets {
		c.tickets[k] = v
	}
	for k, v := range d.buyers {
		c.buyers[k] = v
	}
	for k, v := range d.phones {
		c.phones[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.txs {
		c.txs[k] = v
	}
	for k, v := range d.txKeys {
		c.txKeys[k] = v
	}
	return c
}

func (d *data) nextID() int64 {
	d.seq++
	return d.seq
}

type faults struct {
	mu   sync.Mutex
	next map[string][]error
}

// Store is safe for concurrent use.
type Store struct {
	mu     *sync.Mutex
	root   *Store
	d      *data
	units  bool
	inUnit bool
	faults *faults
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

type Option func(*Store)

// WithoutUnits makes Atomic report ErrAtomicityUnavailable.
func WithoutUnits() Option {
	return func(s *Store) { s.units = false }
}

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		mu:     &sync.Mutex{},
		d:      newData(),
		units:  true,
		faults: &faults{next: make(map[string][]error)},
		now:    time.Now,
	}
	s.root = s
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next call of the named method (e.g. "Credit") return
// err instead of running. Calls queue up in order.
func (s *Store) FailNext(method string, err error) {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	s.faults.next[method] = append(s.faults.next[method], err)
}

func (s *Store) fault(method string) error {
	s.faults.mu.Lock()
	defer s.faults.mu.Unlock()
	q := s.faults.next[method]
	if len(q) == 0 {
		return nil
	}
	s.faults.next[method] = q[1:]
	return q[0]
}

// begin locks the store unless the call is part of a unit that already holds it.
func (s *Store) begin(method string) (*data, func(), error) {
	if err := s.fault(method); err != nil {
		return nil, nil, err
	}
	if s.inUnit {
		return s.d, func() {}, nil
	}
	s.mu.Lock()
	return s.root.d, s.mu.Unlock, nil
}

func (s *Store) Atomic(ctx context.Context, fn store.UnitFunc) error {
	if !s.units {
		return store.ErrAtomicityUnavailable
	}
	if s.inUnit {
		return fn(ctx, s)
	}
	if err := s.fault("Atomic"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.root.d.clone()
	unit := &Store{mu: s.mu, root: s.root, d: work, units: true, inUnit: true, faults: s.faults, now: s.now}
	if err := fn(ctx, unit); err != nil {
		return err
	}
	s.root.d = work
	return nil
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

// Lotteries

func (s *Store) CreateLottery(_ context.Context, l *domain.Lottery) error {
	d, done, err := s.begin("CreateLottery")
	if err != nil {
		return err
	}
	defer done()

	if l.Status == "" {
		l.Status = domain.LotteryPending
	}
	l.ID = d.nextID()
	l.CreatedAt = s.stamp(l.CreatedAt)
	d.lotteries[l.ID] = *l
	return nil
}

func (s *Store) GetLottery(_ context.Context, id int64) (*domain.Lottery, error) {
	d, done, err := s.begin("GetLottery")
	if err != nil {
		return nil, err
	}
	defer done()

	l, ok := d.lotteries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (s *Store) AddSold(_ context.Context, lotteryID int64, n int) (*domain.Lottery, error) {
	d, done, err := s.begin("AddSold")
	if err != nil {
		return nil, err
	}
	defer done()

	l, ok := d.lotteries[lotteryID]
	if !ok || l.Status != domain.LotteryActive || l.TicketsSold+n > l.TicketCount {
		return nil, store.ErrNoMatch
	}
	l.TicketsSold += n
	d.lotteries[lotteryID] = l
	return &l, nil
}

func (s *Store) ReleaseSold(_ context.Context, lotteryID int64, n int) error {
	d, done, err := s.begin("ReleaseSold")
	if err != nil {
		return err
	}
	defer done()

	l, ok := d.lotteries[lotteryID]
	if !ok || l.TicketsSold < n {
		return store.ErrNoMatch
	}
	l.TicketsSold -= n
	d.lotteries[lotteryID] = l
	return nil
}

func (s *Store) EndIfExhausted(_ context.Context, lotteryID int64, at time.Time) (bool, error) {
	d, done, err := s.begin("EndIfExhausted")
	if err != nil {
		return false, err
	}
	defer done()

	l, ok := d.lotteries[lotteryID]
	if !ok || l.Status != domain.LotteryActive || l.TicketsSold != l.TicketCount {
		return false, nil
	}
	endedAt := s.stamp(at)
	l.Status = domain.LotteryEnded
	l.EndedAt = &endedAt
	d.lotteries[lotteryID] = l
	return true, nil
}

func (s *Store) TransitionStatus(_ context.Context, lotteryID int64, from, to domain.LotteryStatus, at time.Time) error {
	d, done, err := s.begin("TransitionStatus")
	if err != nil {
		return err
	}
	defer done()

	l, ok := d.lotteries[lotteryID]
	if !ok || l.Status != from {
		return store.ErrNoMatch
	}
	l.Status = to
	if to == domain.LotteryEnded {
		endedAt := s.stamp(at)
		l.EndedAt = &endedAt
	}
	d.lotteries[lotteryID] = l
	return nil
}

func (s *Store) SetWinningNumbers(_ context.Context, lotteryID int64, numbers []int, onlyIfUnset bool) error {
	d, done, err := s.begin("SetWinningNumbers")
	if err != nil {
		return err
	}
	defer done()

	l, ok := d.lotteries[lotteryID]
	if !ok || (onlyIfUnset && len(l.WinningTicketNumbers) > 0) {
		return store.ErrNoMatch
	}
	l.WinningTicketNumbers = append([]int(nil), numbers...)
	d.lotteries[lotteryID] = l
	return nil
}

// Tickets

func (s *Store) InsertTicketIfAbsent(_ context.Context, t *domain.Ticket) (bool, error) {
	d, done, err := s.begin("InsertTicketIfAbsent")
	if err != nil {
		return false, err
	}
	defer done()

	if t.PaymentState == domain.PaymentPaid {
		for _, existing := range d.tickets {
			if holdsNumber(existing) && existing.LotteryID == t.LotteryID && existing.TicketNumber == t.TicketNumber {
				return false, nil
			}
		}
	}
	if t.State == "" {
		t.State = domain.TicketSold
	}
	t.ID = d.nextID()
	t.CreatedAt = s.stamp(t.CreatedAt)
	d.tickets[t.ID] = *t
	return true, nil
}

func holdsNumber(t domain.Ticket) bool {
	return t.PaymentState == domain.PaymentPaid && t.VoidedAt == nil
}

func (s *Store) VoidTicket(_ context.Context, ticketID int64, at time.Time) error {
	d, done, err := s.begin("VoidTicket")
	if err != nil {
		return err
	}
	defer done()

	t, ok := d.tickets[ticketID]
	if !ok || t.VoidedAt != nil {
		return store.ErrNoMatch
	}
	voided := s.stamp(at)
	t.VoidedAt = &voided
	d.tickets[ticketID] = t
	return nil
}

func (s *Store) paid(d *data, lotteryID int64) []domain.Ticket {
	var out []domain.Ticket
	for _, t := range d.tickets {
		if t.LotteryID == lotteryID && holdsNumber(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TicketNumber < out[j].TicketNumber })
	return out
}

func (s *Store) SoldNumbers(_ context.Context, lotteryID int64) ([]int, error) {
	d, done, err := s.begin("SoldNumbers")
	if err != nil {
		return nil, err
	}
	defer done()

	tickets := s.paid(d, lotteryID)
	numbers := make([]int, 0, len(tickets))
	for _, t := range tickets {
		numbers = append(numbers, t.TicketNumber)
	}
	return numbers, nil
}

func (s *Store) PaidTickets(_ context.Context, lotteryID int64) ([]domain.Ticket, error) {
	d, done, err := s.begin("PaidTickets")
	if err != nil {
		return nil, err
	}
	defer done()
	return s.paid(d, lotteryID), nil
}

func (s *Store) ResetOutcomes(_ context.Context, lotteryID int64) error {
	d, done, err := s.begin("ResetOutcomes")
	if err != nil {
		return err
	}
	defer done()

	for id, t := range d.tickets {
		if t.LotteryID == lotteryID && holdsNumber(t) {
			t.State = domain.TicketSold
			t.WinnerRank = nil
			d.tickets[id] = t
		}
	}
	return nil
}

func (s *Store) MarkWinner(_ context.Context, ticketID int64, rank int) error {
	d, done, err := s.begin("MarkWinner")
	if err != nil {
		return err
	}
	defer done()

	t, ok := d.tickets[ticketID]
	if !ok || !holdsNumber(t) {
		return store.ErrNoMatch
	}
	r := rank
	t.State = domain.TicketWinner
	t.WinnerRank = &r
	d.tickets[ticketID] = t
	return nil
}

func (s *Store) MarkLosers(_ context.Context, lotteryID int64) error {
	d, done, err := s.begin("MarkLosers")
	if err != nil {
		return err
	}
	defer done()

	for id, t := range d.tickets {
		if t.LotteryID == lotteryID && holdsNumber(t) && t.State == domain.TicketSold {
			t.State = domain.TicketLost
			d.tickets[id] = t
		}
	}
	return nil
}

func (s *Store) UpsertBuyer(_ context.Context, name, phone string) (*domain.Buyer, error) {
	d, done, err := s.begin("UpsertBuyer")
	if err != nil {
		return nil, err
	}
	defer done()

	if id, ok := d.phones[phone]; ok {
		b := d.buyers[id]
		return &b, nil
	}
	b := domain.Buyer{ID: d.nextID(), Name: name, Phone: phone, CreatedAt: s.stamp(time.Time{})}
	d.buyers[b.ID] = b
	d.phones[phone] = b.ID
	return &b, nil
}

// Accounts

func (s *Store) CreateAccount(_ context.Context, a *domain.Account) error {
	d, done, err := s.begin("CreateAccount")
	if err != nil {
		return err
	}
	defer done()

	if a.Role == "" {
		a.Role = domain.RoleUser
	}
	a.ID = d.nextID()
	a.CreatedAt = s.stamp(a.CreatedAt)
	d.accounts[a.ID] = *a
	return nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	d, done, err := s.begin("GetAccount")
	if err != nil {
		return nil, err
	}
	defer done()

	a, ok := d.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

// LockAccount is GetAccount: a unit already holds the store exclusively.
func (s *Store) LockAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if err := s.fault("LockAccount"); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) SetBalance(_ context.Context, id int64, balance int64) error {
	d, done, err := s.begin("SetBalance")
	if err != nil {
		return err
	}
	defer done()

	a, ok := d.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Balance = balance
	d.accounts[id] = a
	return nil
}

func (s *Store) DebitIfSufficient(_ context.Context, id int64, amount int64) (int64, error) {
	d, done, err := s.begin("DebitIfSufficient")
	if err != nil {
		return 0, err
	}
	defer done()

	a, ok := d.accounts[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if a.Balance < amount {
		return 0, store.ErrNoMatch
	}
	a.Balance -= amount
	d.accounts[id] = a
	return a.Balance, nil
}

func (s *Store) Credit(_ context.Context, id int64, amount int64) (int64, error) {
	d, done, err := s.begin("Credit")
	if err != nil {
		return 0, err
	}
	defer done()

	a, ok := d.accounts[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	a.Balance += amount
	d.accounts[id] = a
	return a.Balance, nil
}

// Transactions

func (s *Store) CreateTransaction(_ context.Context, t *domain.Transaction) error {
	d, done, err := s.begin("CreateTransaction")
	if err != nil {
		return err
	}
	defer done()

	if _, ok := d.accounts[t.AccountID]; !ok {
		return store.ErrNotFound
	}
	if t.IdempotencyKey != "" {
		if _, ok := d.txKeys[t.IdempotencyKey]; ok {
			return store.ErrDuplicateKey
		}
	}
	t.ID = d.nextID()
	t.CreatedAt = s.stamp(t.CreatedAt)
	d.txs[t.ID] = *t
	if t.IdempotencyKey != "" {
		d.txKeys[t.IdempotencyKey] = t.ID
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	d, done, err := s.begin("GetTransaction")
	if err != nil {
		return nil, err
	}
	defer done()

	t, ok := d.txs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) TransactionByKey(_ context.Context, key string) (*domain.Transaction, error) {
	d, done, err := s.begin("TransactionByKey")
	if err != nil {
		return nil, err
	}
	defer done()

	id, ok := d.txKeys[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	t := d.txs[id]
	return &t, nil
}

func (s *Store) CompleteTransaction(_ context.Context, id int64, status domain.TxStatus, balanceAfter int64, at time.Time) error {
	d, done, err := s.begin("CompleteTransaction")
	if err != nil {
		return err
	}
	defer done()

	t, ok := d.txs[id]
	if !ok || t.Status != domain.TxPending {
		return store.ErrNoMatch
	}
	completed := s.stamp(at)
	t.Status = status
	t.BalanceAfter = balanceAfter
	t.CompletedAt = &completed
	d.txs[id] = t
	return nil
}

func (s *Store) SetSagaState(_ context.Context, id int64, state domain.SagaState) error {
	d, done, err := s.begin("SetSagaState")
	if err != nil {
		return err
	}
	defer done()

	t, ok := d.txs[id]
	if !ok {
		return store.ErrNotFound
	}
	t.SagaState = state
	d.txs[id] = t
	return nil
}

func (s *Store) ClaimPending(_ context.Context, id int64) error {
	d, done, err := s.begin("ClaimPending")
	if err != nil {
		return err
	}
	defer done()

	t, ok := d.txs[id]
	if !ok || t.Status != domain.TxPending || t.SagaState != domain.SagaNone {
		return store.ErrNoMatch
	}
	t.SagaState = domain.SagaOpen
	d.txs[id] = t
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID int64) ([]domain.Transaction, error) {
	d, done, err := s.begin("ListTransactions")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []domain.Transaction
	for _, t := range d.txs {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) OpenSagas(_ context.Context, before time.Time) ([]domain.Transaction, error) {
	d, done, err := s.begin("OpenSagas")
	if err != nil {
		return nil, err
	}
	defer done()

	var out []domain.Transaction
	for _, t := range d.txs {
		if t.SagaState == domain.SagaOpen && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
