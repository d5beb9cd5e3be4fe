package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ticketledger/internal/auth"
	"github.com/punchamoorthee/ticketledger/internal/domain"
	"github.com/punchamoorthee/ticketledger/internal/ledger"
	"github.com/punchamoorthee/ticketledger/internal/lottery"
	"github.com/punchamoorthee/ticketledger/internal/store/memory"
)

var admin = auth.Identity{UserID: 9000, Role: domain.RoleAdmin}

type testServer struct {
	t      *testing.T
	store  *memory.Store
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	led := ledger.New(st)
	h := NewHandler(lottery.New(st, led), led, nil)
	return &testServer{t: t, store: st, router: NewRouter(h)}
}

func (s *testServer) do(method, path string, id *auth.Identity, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id != nil {
		req.Header.Set(headerUserID, fmt.Sprint(id.UserID))
		req.Header.Set(headerRole, string(id.Role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) openAccount(role domain.Role, rate string) auth.Identity {
	s.t.Helper()
	rec := s.do("POST", "/api/v1/accounts", &admin, map[string]any{"role": role, "commission_rate": rate})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	acc := decodeBody[domain.Account](s.t, rec)
	return auth.Identity{UserID: acc.ID, Role: role}
}

func (s *testServer) deposit(accountID, amount int64) {
	s.t.Helper()
	rec := s.do("POST", fmt.Sprintf("/api/v1/accounts/%d/transactions", accountID), &admin,
		map[string]any{"kind": "deposit", "amount": amount})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) activeLottery(count int, price int64) domain.Lottery {
	s.t.Helper()
	rec := s.do("POST", "/api/v1/lotteries", &admin, map[string]any{
		"title":        "Harvest draw",
		"ticket_count": count,
		"ticket_price": price,
		"prizes":       []domain.Prize{{Rank: 1, Title: "Car"}, {Rank: 2, Title: "Bike"}},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decodeBody[domain.Lottery](s.t, rec)
	assert.Equal(s.t, domain.LotteryPending, l.Status)

	rec = s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/activate", l.ID), &admin, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[domain.Lottery](s.t, rec)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestIdentityRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("GET", "/api/v1/lotteries/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do("GET", "/api/v1/lotteries/1", &auth.Identity{UserID: 4, Role: "owner"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSellTicketOverHTTP(t *testing.T) {
	s := newTestServer(t)
	l := s.activeLottery(5, 100)
	agent := s.openAccount(domain.RoleAgent, "0.1")
	path := fmt.Sprintf("/api/v1/lotteries/%d/tickets", l.ID)
	sale := map[string]any{"ticket_number": 3, "buyer_name": "Asha", "buyer_phone": "0712345678"}

	rec := s.do("POST", path, &agent, sale)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[sellResponse](t, rec)
	assert.Equal(t, 3, got.Ticket.TicketNumber)
	assert.Equal(t, int64(10), got.Ticket.Commission)
	assert.Equal(t, []int{3}, got.SoldNumbers)

	rec = s.do("POST", path, &agent, sale)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decodeBody[errorBody](t, rec).Kind)

	user := s.openAccount(domain.RoleUser, "0")
	rec = s.do("POST", path, &user, sale)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("GET", fmt.Sprintf("/api/v1/lotteries/%d/sold-numbers", l.ID), &user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{3}, decodeBody[soldNumbersResponse](t, rec).SoldNumbers)
}

func TestSellValidationReturnsDetails(t *testing.T) {
	s := newTestServer(t)
	l := s.activeLottery(5, 100)
	agent := s.openAccount(domain.RoleAgent, "0")

	rec := s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/tickets", l.ID), &agent,
		map[string]any{"ticket_number": 0, "buyer_name": " ", "buyer_phone": ""})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "validation", body.Kind)
	assert.NotEmpty(t, body.Details)

	rec = s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/tickets", l.ID), &agent, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do("GET", "/api/v1/lotteries/abc", &agent, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do("GET", "/api/v1/lotteries/404", &agent, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurchaseOverHTTP(t *testing.T) {
	s := newTestServer(t)
	l := s.activeLottery(5, 100)
	user := s.openAccount(domain.RoleUser, "0")
	s.deposit(user.UserID, 500)
	path := fmt.Sprintf("/api/v1/lotteries/%d/purchases", l.ID)

	rec := s.do("POST", path, &user, map[string]any{"quantity": 2}, headerIdem, "buy-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decodeBody[purchaseResponse](t, rec)
	assert.Len(t, got.Tickets, 2)
	assert.Equal(t, int64(300), got.Balance)

	rec = s.do("POST", path, &user, map[string]any{"quantity": 2}, headerIdem, "buy-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decodeBody[purchaseResponse](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, got.Transaction.ID, again.Transaction.ID)

	rec = s.do("POST", path, &user, map[string]any{"quantity": 4})
	assert.Equal(t, http.StatusConflict, rec.Code, "only three tickets remain")

	rec = s.do("POST", path, &user, map[string]any{"numbers": []int{5}, "quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	other := s.openAccount(domain.RoleUser, "0")
	rec = s.do("POST", path, &other, map[string]any{"account_id": user.UserID, "quantity": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("POST", path, &other, map[string]any{"quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_funds", decodeBody[errorBody](t, rec).Kind)

	rec = s.do("GET", fmt.Sprintf("/api/v1/accounts/%d", user.UserID), &user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(300), decodeBody[domain.Account](t, rec).Balance)

	rec = s.do("GET", fmt.Sprintf("/api/v1/accounts/%d/transactions", user.UserID), &other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitAndSettleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	user := s.openAccount(domain.RoleUser, "0")
	path := fmt.Sprintf("/api/v1/accounts/%d/transactions", user.UserID)

	rec := s.do("POST", path, &user, map[string]any{"kind": "deposit", "amount": 250})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	pending := decodeBody[ledgerResponse](t, rec)
	assert.Equal(t, domain.TxPending, pending.Transaction.Status)

	rec = s.do("POST", path, &user, map[string]any{"kind": "purchase", "amount": 10})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	settle := fmt.Sprintf("/api/v1/transactions/%d/settle", pending.Transaction.ID)
	rec = s.do("POST", settle, &user, map[string]any{"approve": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("POST", settle, &admin, map[string]any{"approve": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decodeBody[ledgerResponse](t, rec)
	assert.Equal(t, domain.TxCompleted, settled.Transaction.Status)
	assert.Equal(t, int64(250), settled.Balance)

	rec = s.do("POST", settle, &admin, map[string]any{"approve": false})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do("GET", path, &user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]domain.Transaction](t, rec), 1)
}

func TestWinnersOverHTTP(t *testing.T) {
	s := newTestServer(t)
	l := s.activeLottery(3, 100)
	agent := s.openAccount(domain.RoleAgent, "0")
	for n := 1; n <= 2; n++ {
		rec := s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/tickets", l.ID), &agent,
			map[string]any{"ticket_number": n, "buyer_name": "Asha", "buyer_phone": "0712345678"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	path := fmt.Sprintf("/api/v1/lotteries/%d/winners", l.ID)
	first := map[string]any{"winners": []domain.Winner{{Rank: 1, TicketNumber: 2}}}

	rec := s.do("POST", path, &admin, first)
	assert.Equal(t, http.StatusConflict, rec.Code, "lottery still active")
	assert.Equal(t, "state", decodeBody[errorBody](t, rec).Kind)

	rec = s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/end", l.ID), &agent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do("POST", fmt.Sprintf("/api/v1/lotteries/%d/end", l.ID), &admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do("POST", path, &admin, first)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []int{2}, decodeBody[winnersResponse](t, rec).WinningTicketNumbers)

	rec = s.do("POST", path, &admin, first)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do("PUT", path, &admin, map[string]any{"winners": []domain.Winner{{Rank: 1, TicketNumber: 1}, {Rank: 2, TicketNumber: 1}}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []string{"ticket 1 is listed more than once"}, decodeBody[errorBody](t, rec).Details)

	rec = s.do("PUT", path, &admin, map[string]any{"winners": []domain.Winner{{Rank: 2, TicketNumber: 2}, {Rank: 1, TicketNumber: 1}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("GET", path, &agent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[winnersResponse](t, rec)
	assert.Equal(t, []int{1, 2}, got.WinningTicketNumbers)
	assert.Equal(t, []domain.Winner{{Rank: 1, TicketNumber: 1}, {Rank: 2, TicketNumber: 2}}, got.Winners)
}

func TestStoreFailureIsOpaque(t *testing.T) {
	s := newTestServer(t)
	s.store.FailNext("GetLottery", errors.New("connection reset by peer"))

	rec := s.do("GET", "/api/v1/lotteries/1", &admin, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "Internal server error", body.Error)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
