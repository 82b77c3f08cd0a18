package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Stand-in for the gateway identity middleware.
	router.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-User-ID"); user != "" {
			c.Set("authUserID", user)
		}
		c.Next()
	})

	h := NewHandler(f.service, f.store)
	v1 := router.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	h.RegisterArbiterRoutes(v1)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeTransaction(t *testing.T, w *httptest.ResponseRecorder) *Transaction {
	t.Helper()
	var resp struct {
		Transaction *Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Transaction)
	return resp.Transaction
}

func TestHandler_CreateTransaction(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w := doRequest(t, router, http.MethodPost, "/v1/transactions", "buyer-1", gin.H{
		"buyerId": "buyer-1", "sellerId": "seller-1", "productId": "prod-1", "amount": 5000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	txn := decodeTransaction(t, w)
	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, 275.0, txn.Fees.TotalFee)
}

func TestHandler_CreateTransaction_Rejections(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	// Caller is not the buyer.
	w := doRequest(t, router, http.MethodPost, "/v1/transactions", "seller-1", gin.H{
		"buyerId": "buyer-1", "sellerId": "seller-1", "productId": "prod-1", "amount": 5000,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Party ID fails validation before the service is reached.
	w = doRequest(t, router, http.MethodPost, "/v1/transactions", "bad id!", gin.H{
		"buyerId": "bad id!", "sellerId": "seller-1", "productId": "prod-1", "amount": 5000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewBufferString("{"))
	req.Header.Set("X-User-ID", "buyer-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.service.WithLimitChecker(&stubLimits{max: 1000})
	router := newTestRouter(f)

	txn := f.create(t, 5000)

	// Unknown transaction.
	w := doRequest(t, router, http.MethodGet, "/v1/transactions/txn_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")

	// Ship before funding.
	w = doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/ship", "seller-1", gin.H{
		"carrier": "cdek", "trackingNumber": "CD1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")

	// Funding by the wrong caller.
	w = doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/fund", "seller-1", gin.H{
		"paymentMethod": "card",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Amount above the seller's verification limit.
	w = doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/fund", "buyer-1", gin.H{
		"paymentMethod": "card",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "limit_exceeded")
}

func TestHandler_ProcessorFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.payments.err = assert.AnError
	router := newTestRouter(f)
	txn := f.create(t, 5000)

	w := doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/fund", "buyer-1", gin.H{
		"paymentMethod": "card",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "processor_failure")
}

func TestHandler_CarrierWebhook(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	txn := f.shippedTxn(t)

	w := doRequest(t, router, http.MethodPost, "/v1/webhooks/carrier/"+txn.ID+"/delivered", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusDelivered, decodeTransaction(t, w).Status)

	// Repeat delivery signals conflict instead of resetting the window.
	w = doRequest(t, router, http.MethodPost, "/v1/webhooks/carrier/"+txn.ID+"/delivered", "", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_DisputeFlow(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	txn := f.shippedTxn(t)

	w := doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/dispute", "buyer-1", gin.H{
		"initiatedBy": "buyer",
		"reason":      "item not as described",
		"evidence":    []gin.H{{"kind": "image", "reference": "upload/1.jpg"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Dispute *Dispute `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	disputeID := created.Dispute.ID

	w = doRequest(t, router, http.MethodGet, "/v1/transactions/"+txn.ID+"/dispute", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, router, http.MethodPost, "/v1/disputes/"+disputeID+"/investigate", "admin-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, router, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", "admin-1", gin.H{
		"winner": "seller", "refundAmount": 2000, "reason": "evidence inconclusive, split",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decodeTransaction(t, w)
	assert.Equal(t, StatusCompleted, resolved.Status)
	require.NotNil(t, resolved.RefundAmount)
	assert.Equal(t, 2000.0, *resolved.RefundAmount)

	// Double resolution is rejected.
	w = doRequest(t, router, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve", "admin-1", gin.H{
		"winner": "buyer", "refundAmount": 20000, "reason": "second thoughts",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_DisputeReasonValidation(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	txn := f.shippedTxn(t)

	// A reason that sanitizes down to nothing is rejected before the service runs.
	w := doRequest(t, router, http.MethodPost, "/v1/transactions/"+txn.ID+"/dispute", "buyer-1", gin.H{
		"initiatedBy": "buyer", "reason": "   ",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	// No dispute record was created.
	w = doRequest(t, router, http.MethodGet, "/v1/transactions/"+txn.ID+"/dispute", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListAndStats(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)
	f.create(t, 1000)
	f.create(t, 3000)

	w := doRequest(t, router, http.MethodGet, "/v1/parties/buyer-1/transactions?role=buyer&limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Transactions []*Transaction `json:"transactions"`
		Count        int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doRequest(t, router, http.MethodGet, "/v1/parties/buyer-1/transactions?role=courier", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, router, http.MethodGet, "/v1/parties/bad%20id/transactions?role=buyer", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_party_id")

	w = doRequest(t, router, http.MethodGet, "/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalTransactions":2`)
}
