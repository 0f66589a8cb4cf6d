package sol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storebot.com/internal/payment/chain/explorer"
	"storebot.com/internal/payment/domain"
)

const ours = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func newAdapter(t *testing.T, base, token string) *Adapter {
	t.Helper()
	a, err := New(Config{BaseURL: base, Token: token, Address: ours}, domain.DefaultAssets()[domain.SOL], explorer.New(domain.SOL, explorer.Options{Timeout: time.Second}))
	require.NoError(t, err)
	return a
}

func TestFetchRecentInbound(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "wrapped listing",
			body: `{"success":true,"data":[
				{"txHash":"sig1","blockTime":1714564800,"status":"Success","lamport":2500000000},
				{"txHash":"sig2","blockTime":1714564700,"status":"Fail","lamport":9000000000},
				{"txHash":"sig3","blockTime":1714564600,"status":"Success","lamport":0,
				 "parsedInstruction":[{"type":"transfer","info":{"destination":"` + ours + `","lamports":10000000}},{"type":"transfer","info":{"destination":"elsewhere","lamports":5}}]}
			]}`,
		},
		{
			name: "bare array",
			body: `[
				{"txHash":"sig1","blockTime":1714564800,"status":"Success","lamport":"2500000000"},
				{"txHash":"sig3","blockTime":"1714564600","status":"Success","parsedInstruction":[{"type":"transfer","info":{"destination":"` + ours + `","lamports":10000000}}]}
			]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/account/transactions", r.URL.Path)
				assert.Equal(t, ours, r.URL.Query().Get("account"))
				assert.Equal(t, "secret", r.Header.Get("token"))
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			txs, err := newAdapter(t, srv.URL, "secret").FetchRecentInbound(context.Background(), ours, 20)
			require.NoError(t, err)
			require.Len(t, txs, 2)
			assert.Equal(t, "sig1", txs[0].ChainTxID)
			assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("2.5")))
			assert.True(t, txs[0].Confirmed)
			assert.Equal(t, "sig3", txs[1].ChainTxID)
			assert.True(t, txs[1].Amount.Equal(decimal.RequireFromString("0.01")))
			assert.Equal(t, int64(1714564600), txs[1].ObservedAt.Unix())
		})
	}
}

func TestFetchRecentInbound_SkipsOutbound(t *testing.T) {
	body := `[
		{"txHash":"sweep","blockTime":1714564900,"status":"Success","lamport":2500000000,"signer":["` + ours + `"],
		 "parsedInstruction":[{"type":"transfer","info":{"source":"` + ours + `","destination":"Elsewhere1111111111111111111111111111111111","lamports":2500000000}}]},
		{"txHash":"unsigned-out","blockTime":1714564850,"status":"Success","lamport":7000000000,
		 "parsedInstruction":[{"type":"transfer","info":{"source":"` + ours + `","destination":"Elsewhere1111111111111111111111111111111111","lamports":7000000000}}]},
		{"txHash":"mixed","blockTime":1714564800,"status":"Success","lamport":9000000000,"signer":["Payer111111111111111111111111111111111111111"],
		 "parsedInstruction":[
			{"type":"transfer","info":{"source":"Payer111111111111111111111111111111111111111","destination":"` + ours + `","lamports":30000000}},
			{"type":"transfer","info":{"source":"Payer111111111111111111111111111111111111111","destination":"Elsewhere1111111111111111111111111111111111","lamports":8970000000}}
		 ]}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	txs, err := newAdapter(t, srv.URL, "").FetchRecentInbound(context.Background(), ours, 20)
	require.NoError(t, err)
	require.Len(t, txs, 1, "transfers sent from our address are not payments")
	assert.Equal(t, "mixed", txs[0].ChainTxID)
	assert.True(t, txs[0].Amount.Equal(decimal.RequireFromString("0.03")), "only the instruction paying us counts, got %s", txs[0].Amount)
}

func TestFetchRecentInbound_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "api error", body: `{"success":false,"errors":{"message":"bad account"}}`, wantErr: domain.ErrUpstreamFormat},
		{name: "missing hash", body: `[{"blockTime":1,"status":"Success","lamport":1}]`, wantErr: domain.ErrUpstreamFormat},
		{name: "not json", body: `<html>`, wantErr: domain.ErrUpstreamFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := newAdapter(t, srv.URL, "").FetchRecentInbound(context.Background(), ours, 5)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAddressValidation(t *testing.T) {
	_, err := New(Config{Address: "0xnotsolana"}, domain.DefaultAssets()[domain.SOL], explorer.New(domain.SOL, explorer.Options{}))
	assert.Error(t, err)

	a := newAdapter(t, "http://127.0.0.1:1", "YOUR_SOLSCAN_TOKEN")
	_, err = a.FetchRecentInbound(context.Background(), ours, 5)
	assert.ErrorIs(t, err, domain.ErrUnconfigured)
}
