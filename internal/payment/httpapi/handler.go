package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	ledger "storebot.com/internal/ledger/domain"
	"storebot.com/internal/oracle"
	"storebot.com/internal/payment/domain"
	"storebot.com/internal/payment/reconcile"
	"storebot.com/internal/payment/service"
	"storebot.com/pkg/common"
	"storebot.com/pkg/xerr"
)

type Payments interface {
	Currencies() []domain.Currency
	CreateCryptoOrder(ctx context.Context, userID int64, usd decimal.Decimal, currency string) (*service.CryptoOrder, error)
	GetOrder(ctx context.Context, orderID int64) (*service.OrderView, error)
	CheckNow(ctx context.Context, orderID int64) (reconcile.Result, error)
	CancelWatch(ctx context.Context, orderID int64) (bool, error)
}

type Prices interface {
	Quote(ctx context.Context, symbol string) (oracle.Quote, error)
}

type Wallets interface {
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]ledger.WalletTransaction, error)
}

type Handler struct {
	payments Payments
	prices   Prices
	wallets  Wallets
	// nil reports healthy
	health func(ctx context.Context) error
}

func NewHandler(payments Payments, prices Prices, wallets Wallets, health func(ctx context.Context) error) *Handler {
	return &Handler{payments: payments, prices: prices, wallets: wallets, health: health}
}

func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			common.Fail(c, http.StatusServiceUnavailable, xerr.ServerCommonError, "unhealthy")
			return
		}
	}
	common.Success(c, gin.H{"status": "ok"})
}

func (h *Handler) Currencies(c *gin.Context) {
	common.Success(c, h.payments.Currencies())
}

type createOrderReq struct {
	UserID    int64           `json:"user_id" binding:"required"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	Currency  string          `json:"currency" binding:"required"`
}

func (h *Handler) CreateCryptoOrder(c *gin.Context) {
	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error())
		return
	}
	order, err := h.payments.CreateCryptoOrder(c.Request.Context(), req.UserID, req.USDAmount, req.Currency)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, order)
}

func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	view, err := h.payments.GetOrder(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, view)
}

type checkResp struct {
	OrderID   int64           `json:"order_id"`
	State     reconcile.State `json:"state"`
	ChainTxID string          `json:"chain_tx_id,omitempty"`
	Received  string          `json:"received,omitempty"`
	Credited  string          `json:"credited,omitempty"`
	// outcome label of the last attempt error, never its text
	Error string `json:"error,omitempty"`
}

func (h *Handler) CheckNow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	res, err := h.payments.CheckNow(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	out := checkResp{OrderID: res.OrderID, State: res.State, ChainTxID: res.ChainTxID}
	if res.CreditedOK() {
		out.Received = res.Received.String()
		out.Credited = res.Credited.StringFixed(2)
	}
	if res.Err != nil {
		out.Error = res.Outcome()
	}
	common.Success(c, out)
}

func (h *Handler) CancelWatch(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	stopped, err := h.payments.CancelWatch(c.Request.Context(), id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"order_id": id, "stopped": stopped})
}

func (h *Handler) Price(c *gin.Context) {
	q, err := h.prices.Quote(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error())
		return
	}
	common.Success(c, q)
}

func (h *Handler) Wallet(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ctx := c.Request.Context()
	balance, err := h.wallets.GetBalance(ctx, id)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	txs, err := h.wallets.ListTransactions(ctx, id, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"user_id": id, "balance": balance.StringFixed(2), "transactions": txs})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "invalid id")
		return 0, false
	}
	return id, true
}
