package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/auditlog"
	"github.com/fatflowers/billing/internal/app/service/inventory"
	"github.com/fatflowers/billing/internal/app/service/ledger"
	"github.com/fatflowers/billing/internal/app/service/payment"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/db"
	"github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

type testServer struct {
	router   *gin.Engine
	conns    *db.Conns
	accounts *account.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&models.Account{}, &models.Charge{}, &models.Credit{},
		&models.CreditCheck{}, &models.ProductInventory{},
		&models.ProductUsageLog{}, &models.Payment{},
	))

	cfg := &config.Config{
		Billing: config.BillingConfig{
			FreeUsesPerAccount:    3,
			PaidUsesPerPurchase:   50,
			PricePerPurchaseMinor: 500,
			DefaultCurrency:       "USD",
			VerifyBalanceMinor:    true,
		},
		Stripe: config.StripeConfig{WebhookSecret: "whsec_test"},
		Products: []*config.ProductConfig{
			{Type: "web_search", FreeInitial: 2, PriceMinor: 4},
		},
	}
	conns := &db.Conns{Primary: gdb, Read: gdb}
	log := zap.NewNop().Sugar()
	accounts := account.New(conns, cfg, log)
	audit := auditlog.New(gdb, log)
	ledgerSvc := ledger.New(conns, cfg, accounts, audit, log)
	inventorySvc := inventory.New(conns, cfg, accounts, log)
	stripeP := payment.NewStripeProvider(cfg, log)
	playP, err := payment.NewGooglePlayProvider(cfg, log)
	require.NoError(t, err)
	rec := payment.NewReconciler(conns, cfg, ledgerSvc, stripeP, playP, log)

	r := gin.New()
	v1 := r.Group("/v1")
	billing := v1.Group("/billing")
	RegisterBillingRoutes(billing, ledgerSvc)
	RegisterAccountRoutes(billing.Group("/accounts"), accounts)
	RegisterPurchaseRoutes(billing.Group("/purchases"), stripeP, rec, cfg)
	RegisterWebhookRoutes(billing.Group("/webhooks"), rec)
	RegisterToolRoutes(v1.Group("/tools"), inventorySvc)
	RegisterAdminRoutes(v1.Group("/admin"), ledgerSvc)
	RegisterHealthRoutes(r.Group("/"), conns)

	return &testServer{router: r, conns: conns, accounts: accounts}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) seedAccount(t *testing.T, ext string, free, paid int64) *models.Account {
	t.Helper()
	acc, _, err := s.accounts.GetOrCreate(context.Background(),
		types.AccountIdentity{OAuthProvider: "oauth:google", ExternalID: ext}, nil)
	require.NoError(t, err)
	acc.FreeUsesRemaining = free
	acc.PaidCredits = paid
	require.NoError(t, s.conns.Primary.Save(acc).Error)
	return acc
}

func identityBody(ext string) map[string]any {
	return map[string]any{"oauth_provider": "oauth:google", "external_id": ext}
}

func TestChargeEndpointCreated(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 3, 0)

	body := identityBody("u1")
	body["amount_minor"] = 1
	w := s.do(t, http.MethodPost, "/v1/billing/charges", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp chargeResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CreditPoolFree, resp.Pool)
	assert.Equal(t, int64(2), resp.FreeUsesRemaining)
	assert.NotEmpty(t, resp.ChargeID)
}

func TestChargeEndpointInsufficient(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 0, 0)

	body := identityBody("u1")
	body["amount_minor"] = 1
	w := s.do(t, http.MethodPost, "/v1/billing/charges", body)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_credits")
}

func TestChargeEndpointAccountNotFound(t *testing.T) {
	s := newTestServer(t)

	body := identityBody("ghost")
	body["amount_minor"] = 1
	w := s.do(t, http.MethodPost, "/v1/billing/charges", body)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "account_not_found")
}

func TestChargeEndpointSuspended(t *testing.T) {
	s := newTestServer(t)
	acc := s.seedAccount(t, "u1", 3, 0)
	acc.Status = types.AccountStatusSuspended
	require.NoError(t, s.conns.Primary.Save(acc).Error)

	body := identityBody("u1")
	body["amount_minor"] = 1
	w := s.do(t, http.MethodPost, "/v1/billing/charges", body)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "account_suspended")
}

func TestChargeEndpointReplayHeader(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 3, 0)

	body := identityBody("u1")
	body["amount_minor"] = 1
	body["idempotency_key"] = "msg-1"

	first := s.do(t, http.MethodPost, "/v1/billing/charges", body)
	require.Equal(t, http.StatusCreated, first.Code)
	var firstResp chargeResp
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := s.do(t, http.MethodPost, "/v1/billing/charges", body)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, firstResp.ChargeID, second.Header().Get("X-Existing-Charge-ID"))
	assert.Contains(t, second.Body.String(), "idempotency_replay")
}

func TestChargeEndpointValidation(t *testing.T) {
	s := newTestServer(t)

	// Missing required fields.
	w := s.do(t, http.MethodPost, "/v1/billing/charges", map[string]any{"amount_minor": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Bad oauth provider prefix.
	w = s.do(t, http.MethodPost, "/v1/billing/charges", map[string]any{
		"oauth_provider": "google", "external_id": "u1", "amount_minor": 1,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestCreditEndpointCreatesAccount(t *testing.T) {
	s := newTestServer(t)

	body := identityBody("newcomer")
	body["amount_minor"] = 50
	body["transaction_type"] = "purchase"
	w := s.do(t, http.MethodPost, "/v1/billing/credits", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp creditResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.AccountCreated)
	assert.Equal(t, int64(50), resp.PaidCredits)
}

func TestCheckEndpointDenial(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 0, 0)

	w := s.do(t, http.MethodPost, "/v1/billing/credits/check", identityBody("u1"))

	// A denial is still a 200: the decision endpoint reports outcomes.
	require.Equal(t, http.StatusOK, w.Code)
	var resp ledger.CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.HasCredit)
	assert.Equal(t, ledger.ReasonInsufficientCredits, resp.Reason)
	assert.True(t, resp.PurchaseRequired)
	require.NotNil(t, resp.PurchasePriceMinor)
	assert.Equal(t, int64(500), *resp.PurchasePriceMinor)
	require.NotNil(t, resp.PurchaseUses)
	assert.Equal(t, int64(50), *resp.PurchaseUses)
}

func TestTransactionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 3, 0)

	body := identityBody("u1")
	body["amount_minor"] = 1
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/v1/billing/charges", body).Code)

	w := s.do(t, http.MethodGet, "/v1/billing/transactions?oauth_provider=oauth:google&external_id=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ledger.TransactionHistory
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Charges, 1)
	assert.Empty(t, resp.Credits)
}

func TestAccountUpsertEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/billing/accounts", identityBody("fresh"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp upsertAccountResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, int64(3), resp.FreeUsesRemaining)

	// Same identity again: same account, not created.
	w = s.do(t, http.MethodPost, "/v1/billing/accounts", identityBody("fresh"))
	require.Equal(t, http.StatusCreated, w.Code)
	var again upsertAccountResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.False(t, again.Created)
	assert.Equal(t, resp.AccountID, again.AccountID)
}

func TestGetAccountByPath(t *testing.T) {
	s := newTestServer(t)
	seeded := s.seedAccount(t, "u1", 3, 0)

	w := s.do(t, http.MethodGet, "/v1/billing/accounts/oauth:google/u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acc models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	assert.Equal(t, seeded.ID, acc.ID)

	w = s.do(t, http.MethodGet, "/v1/billing/accounts/oauth:google/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestToolChargeEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 0, 0)

	body := identityBody("u1")
	body["product_type"] = "web_search"
	w := s.do(t, http.MethodPost, "/v1/tools/charge", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp toolChargeResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CreditPoolProductFree, resp.Pool)
	assert.Equal(t, int64(1), resp.FreeRemaining)
}

func TestToolChargeMainPoolFallbackAmount(t *testing.T) {
	s := newTestServer(t)
	acc := s.seedAccount(t, "u1", 0, 10)
	require.NoError(t, s.conns.Primary.Create(&models.ProductInventory{
		ID: "pi-1", AccountID: acc.ID, ProductType: "web_search",
	}).Error)

	body := identityBody("u1")
	body["product_type"] = "web_search"
	body["amount_minor"] = 1
	w := s.do(t, http.MethodPost, "/v1/tools/charge", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp toolChargeResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CreditPoolPaid, resp.Pool)
	assert.Equal(t, int64(1), resp.CostMinor)
	assert.Equal(t, int64(9), resp.MainPaidCredits)
}

func TestToolChargeUnknownProduct(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 0, 0)

	body := identityBody("u1")
	body["product_type"] = "teleport"
	w := s.do(t, http.MethodPost, "/v1/tools/charge", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAccountStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seedAccount(t, "u1", 3, 0)

	body := identityBody("u1")
	body["status"] = "suspended"
	w := s.do(t, http.MethodPost, "/v1/billing/accounts/status", body)
	require.Equal(t, http.StatusOK, w.Code)

	var acc models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	assert.Equal(t, types.AccountStatusSuspended, acc.Status)
}

func TestWebhookBadSignature(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhooks/stripe",
		bytes.NewBufferString(`{"type":"payment_intent.succeeded"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "signature_invalid")
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/billing/webhooks/paypal", map[string]any{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPurchaseStatusNotFound(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/billing/purchases/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"timestamp"`)
}
