package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ledger "storebot.com/internal/ledger/domain"
	"storebot.com/internal/oracle"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/reconcile"
	"storebot.com/internal/payment/service"
	"storebot.com/pkg/xerr"
)

type fakePayments struct {
	created  []string
	checked  int64
	result   reconcile.Result
	orderErr error
}

func (f *fakePayments) Currencies() []domain.Currency {
	return []domain.Currency{domain.BTC, domain.USDT}
}

func (f *fakePayments) CreateCryptoOrder(_ context.Context, userID int64, usd decimal.Decimal, currency string) (*service.CryptoOrder, error) {
	if usd.LessThan(decimal.NewFromInt(5)) {
		return nil, xerr.New(xerr.RequestParamsError, "below minimum")
	}
	f.created = append(f.created, currency)
	return &service.CryptoOrder{OrderID: 42, UserID: userID, Currency: domain.Currency(currency), USDAmount: usd,
		Expected: decimal.RequireFromString("5.000001"), Address: "TAddr", Watching: true}, nil
}

func (f *fakePayments) GetOrder(_ context.Context, orderID int64) (*service.OrderView, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	return &service.OrderView{Order: &ledger.Order{ID: orderID, Status: ledger.OrderPending}}, nil
}

func (f *fakePayments) CheckNow(_ context.Context, orderID int64) (reconcile.Result, error) {
	f.checked = orderID
	r := f.result
	r.OrderID = orderID
	return r, nil
}

func (f *fakePayments) CancelWatch(_ context.Context, orderID int64) (bool, error) {
	return orderID == 42, nil
}

type fakePrices struct{}

func (fakePrices) Quote(_ context.Context, symbol string) (oracle.Quote, error) {
	if symbol == "" {
		return oracle.Quote{}, errors.New("empty symbol")
	}
	return oracle.Quote{Symbol: symbol, Price: decimal.NewFromInt(60000), Source: oracle.SourceLive}, nil
}

type fakeWallets struct{}

func (fakeWallets) GetBalance(context.Context, int64) (decimal.Decimal, error) {
	return decimal.RequireFromString("12.5"), nil
}

func (fakeWallets) ListTransactions(_ context.Context, userID int64, _ int) ([]ledger.WalletTransaction, error) {
	return []ledger.WalletTransaction{{UserID: userID, Amount: decimal.RequireFromString("12.5"), TransactionType: ledger.TxDeposit}}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, p *fakePayments, health func(context.Context) error) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRouter(ctx, Config{RPS: 1000, Burst: 1000}, NewHandler(p, fakePrices{}, fakeWallets{}, health))
}

func do(t *testing.T, r http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestCreateCryptoOrder(t *testing.T) {
	p := &fakePayments{}
	r := newTestRouter(t, p, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
	}{
		{name: "created", body: `{"user_id":7,"usd_amount":"6","currency":"usdt"}`, wantStatus: http.StatusOK, wantCode: xerr.OK},
		{name: "numeric amount accepted", body: `{"user_id":7,"usd_amount":10,"currency":"btc"}`, wantStatus: http.StatusOK, wantCode: xerr.OK},
		{name: "below minimum", body: `{"user_id":7,"usd_amount":"1","currency":"usdt"}`, wantStatus: http.StatusBadRequest, wantCode: xerr.RequestParamsError},
		{name: "missing currency", body: `{"user_id":7,"usd_amount":"6"}`, wantStatus: http.StatusBadRequest, wantCode: xerr.RequestParamsError},
		{name: "malformed json", body: `{"user_id":`, wantStatus: http.StatusBadRequest, wantCode: xerr.RequestParamsError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, r, http.MethodPost, "/v1/orders/crypto", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, env.Code)
		})
	}
	assert.Equal(t, []string{"usdt", "btc"}, p.created)

	_, env := do(t, r, http.MethodPost, "/v1/orders/crypto", `{"user_id":7,"usd_amount":"6","currency":"usdt"}`)
	var order service.CryptoOrder
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, "TAddr", order.Address)
	assert.True(t, order.Expected.Equal(decimal.RequireFromString("5.000001")))
}

func TestCheckNow(t *testing.T) {
	p := &fakePayments{result: reconcile.Result{
		State:     reconcile.StateDone,
		ChainTxID: "0xabc",
		Received:  decimal.RequireFromString("5.000001"),
		Credited:  decimal.NewFromInt(5),
	}}
	r := newTestRouter(t, p, nil)

	status, env := do(t, r, http.MethodPost, "/v1/orders/9/check", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(9), p.checked)

	var got checkResp
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, reconcile.StateDone, got.State)
	assert.Equal(t, "0xabc", got.ChainTxID)
	assert.Equal(t, "5.00", got.Credited)
	assert.Empty(t, got.Error)

	failures := []struct {
		name string
		err  error
		want string
	}{
		{"explorer", domain.Transient(domain.ETH, 0, errors.New(`Get "https://api.etherscan.io/api?apikey=SUPERSECRETKEY": connection refused`)), "transient"},
		{"rate limited", domain.RateLimited(domain.ETH, 0), "rate_limited"},
		{"internal", errors.New("db exploded: secret dsn"), "error"},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			p.result = reconcile.Result{State: reconcile.StateChecking, Err: tt.err}
			_, env := do(t, r, http.MethodPost, "/v1/orders/9/check", "")
			var got checkResp
			require.NoError(t, json.Unmarshal(env.Data, &got))
			assert.Equal(t, reconcile.StateChecking, got.State)
			assert.Empty(t, got.Credited)
			assert.Equal(t, tt.want, got.Error)
			assert.NotContains(t, string(env.Data), "SUPERSECRETKEY")
			assert.NotContains(t, string(env.Data), "secret dsn")
		})
	}

	status, env = do(t, r, http.MethodPost, "/v1/orders/abc/check", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, xerr.RequestParamsError, env.Code)
}

func TestOrderAndWatchRoutes(t *testing.T) {
	p := &fakePayments{}
	r := newTestRouter(t, p, nil)

	status, _ := do(t, r, http.MethodGet, "/v1/orders/5", "")
	assert.Equal(t, http.StatusOK, status)

	p.orderErr = xerr.NewErrCode(xerr.RecordNotFound)
	status, env := do(t, r, http.MethodGet, "/v1/orders/5", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "record not found", env.Message)

	p.orderErr = errors.New("db exploded: secret dsn")
	status, env = do(t, r, http.MethodGet, "/v1/orders/5", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, env.Message, "secret")

	_, env = do(t, r, http.MethodDelete, "/v1/orders/42/watch", "")
	assert.Contains(t, string(env.Data), `"stopped":true`)
	_, env = do(t, r, http.MethodDelete, "/v1/orders/43/watch", "")
	assert.Contains(t, string(env.Data), `"stopped":false`)
}

func TestReadOnlyRoutes(t *testing.T) {
	r := newTestRouter(t, &fakePayments{}, nil)

	_, env := do(t, r, http.MethodGet, "/v1/currencies", "")
	assert.JSONEq(t, `["btc","usdt"]`, string(env.Data))

	_, env = do(t, r, http.MethodGet, "/v1/prices/btc", "")
	var q oracle.Quote
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "btc", q.Symbol)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(60000)))

	_, env = do(t, r, http.MethodGet, "/v1/users/7/wallet?limit=5", "")
	assert.Contains(t, string(env.Data), `"balance":"12.50"`)

	status, _ := do(t, r, http.MethodGet, "/v1/users/0/wallet", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealth(t *testing.T) {
	healthy := true
	r := newTestRouter(t, &fakePayments{}, func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("db down")
	})

	status, _ := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)

	healthy = false
	status, env := do(t, r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", env.Message)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRouter(ctx, Config{RPS: 0.001, Burst: 2}, NewHandler(&fakePayments{}, fakePrices{}, fakeWallets{}, nil))

	for i := 0; i < 2; i++ {
		status, _ := do(t, r, http.MethodGet, "/v1/currencies", "")
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := do(t, r, http.MethodGet, "/v1/currencies", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
}
