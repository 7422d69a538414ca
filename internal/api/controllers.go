package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/health"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/pipeline"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/purchase"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/validate"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
)

// Amounts travel as decimal strings to keep precision out of float territory.
type amountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type purchaseRequest struct {
	MerchantID    string `json:"merchant_id" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	PaymentsTotal int    `json:"payments_total" binding:"required,gt=0"`
}

type createMerchantRequest struct {
	Name          string `json:"name" binding:"required,min=1,max=120"`
	PayoutAddress string `json:"payout_address" binding:"required,min=1"`
	FeeBps        int    `json:"fee_bps"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondRejected maps a validator rejection onto 422.
func respondRejected(c *gin.Context, res validate.Result) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{
		"code":  string(res.Code),
		"error": res.Detail,
	})
}

func parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal string")
		return decimal.Decimal{}, false
	}
	return d, true
}

// snapshotFor reads the account snapshot, handling the error response.
func (s *Server) snapshotFor(c *gin.Context, accountID string) (ledger.Snapshot, bool) {
	snap, err := s.Ledger.Snapshot(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, http.StatusBadGateway, "LEDGER_UNAVAILABLE", err.Error())
		return ledger.Snapshot{}, false
	}
	return snap, true
}

// ----------------------------------------
// Position & health
// ----------------------------------------

func (s *Server) getPosition(c *gin.Context) {
	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":    accountID,
		"collateral":    snap.Collateral,
		"debt":          snap.Debt,
		"oracle_price":  snap.OraclePrice,
		"musd_balance":  snap.MUSDBalance,
		"recovery_mode": snap.RecoveryMode,
	})
}

func (s *Server) getPositionHealth(c *gin.Context) {
	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	hf := health.HealthFactor(snap.Collateral, snap.Debt, snap.OraclePrice, s.Params)
	resp := gin.H{
		"health_factor": hf,
		"recovery_mode": snap.RecoveryMode,
		"borrowing_capacity": health.BorrowingCapacity(
			snap.Collateral, snap.OraclePrice, s.Params, snap.RecoveryMode),
		"required_repayment": health.RequiredRepayment(
			snap.Collateral, snap.Debt, snap.OraclePrice, s.Params, snap.RecoveryMode),
	}
	if ratio, applicable := health.CollateralRatioPct(snap.Collateral, snap.Debt, snap.OraclePrice); applicable {
		resp["collateral_ratio_pct"] = ratio
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMaxWithdrawal(c *gin.Context) {
	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	limit := s.Guard.MaxSafeWithdrawal(snap, s.Installments, accountID)
	c.JSON(http.StatusOK, limit)
}

// ----------------------------------------
// Protection guard
// ----------------------------------------

func (s *Server) getWithdrawVerdict(c *gin.Context) {
	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Guard.CanWithdraw(snap, s.Installments, accountID))
}

func (s *Server) getCloseVerdict(c *gin.Context) {
	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Guard.CanClose(snap, s.Installments, accountID))
}

// ----------------------------------------
// Agreements
// ----------------------------------------

func (s *Server) listAgreements(c *gin.Context) {
	accountID := CurrentAccountID(c)
	agreements := s.Installments.Agreements(accountID)
	c.JSON(http.StatusOK, gin.H{
		"agreements": agreements,
		"total_owed": s.Installments.TotalOwed(accountID),
	})
}

func (s *Server) getAgreement(c *gin.Context) {
	accountID := CurrentAccountID(c)
	ag, err := s.Installments.Agreement(c.Param("id"))
	if err != nil || ag.AccountID != accountID {
		respondError(c, http.StatusNotFound, "AGREEMENT_NOT_FOUND", "agreement not found")
		return
	}
	c.JSON(http.StatusOK, ag)
}

func (s *Server) payInstallment(c *gin.Context) {
	accountID := CurrentAccountID(c)
	correlationID, err := s.Purchases.PayInstallment(c.Request.Context(), accountID, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, installment.ErrUnknownAgreement), errors.Is(err, purchase.ErrNotYourAgreement):
			respondError(c, http.StatusNotFound, "AGREEMENT_NOT_FOUND", "agreement not found")
		case errors.Is(err, installment.ErrAgreementSettled):
			respondError(c, http.StatusConflict, "AGREEMENT_SETTLED", err.Error())
		case errors.Is(err, pipeline.ErrInFlight):
			respondError(c, http.StatusConflict, "PAYMENT_IN_FLIGHT", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": correlationID})
}

// ----------------------------------------
// Actions
// ----------------------------------------

func (s *Server) borrow(c *gin.Context) {
	var req amountRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	res, err := validate.ValidateBorrow(snap, amount, s.Params)
	if err != nil {
		respondError(c, http.StatusBadRequest, "PRECONDITION_FAILED", err.Error())
		return
	}
	if !res.OK {
		respondRejected(c, res)
		return
	}

	s.startAction(c, accountID, ledger.ActionBorrow, amount, false)
}

func (s *Server) repay(c *gin.Context) {
	var req amountRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	res, err := validate.ValidateRepay(snap, amount, s.Params)
	if err != nil {
		respondError(c, http.StatusBadRequest, "PRECONDITION_FAILED", err.Error())
		return
	}
	if !res.OK {
		respondRejected(c, res)
		return
	}

	s.startAction(c, accountID, ledger.ActionRepay, amount, false)
}

func (s *Server) withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	accountID := CurrentAccountID(c)
	snap, ok := s.snapshotFor(c, accountID)
	if !ok {
		return
	}

	res, err := validate.ValidateWithdraw(snap, amount, s.Guard, s.Installments, accountID)
	if err != nil {
		respondError(c, http.StatusBadRequest, "PRECONDITION_FAILED", err.Error())
		return
	}
	if !res.OK {
		respondRejected(c, res)
		return
	}

	s.startAction(c, accountID, ledger.ActionWithdraw, amount, false)
}

// startAction runs a validated collateral operation through the pipeline
// under the account's sentinel correlation id.
func (s *Server) startAction(c *gin.Context, accountID string, kind ledger.ActionKind, amount decimal.Decimal, needsAuth bool) {
	correlationID := pipeline.PositionCorrelationID(accountID)
	err := s.Pipe.Start(c.Request.Context(), pipeline.Request{
		CorrelationID:      correlationID,
		AccountID:          accountID,
		Kind:               kind,
		Amount:             amount,
		NeedsAuthorization: needsAuth,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInFlight) {
			respondError(c, http.StatusConflict, "ACTION_IN_FLIGHT", err.Error())
			return
		}
		respondError(c, http.StatusBadGateway, "LEDGER_UNAVAILABLE", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": correlationID})
}

func (s *Server) quotePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}
	quote, err := s.Purchases.PriceSchedule(amount, req.PaymentsTotal)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "INVALID_PLAN", err.Error())
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) startPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	accountID := CurrentAccountID(c)
	agreementID, err := s.Purchases.Checkout(c.Request.Context(), accountID, req.MerchantID, amount, req.PaymentsTotal)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			respondError(c, http.StatusNotFound, "MERCHANT_NOT_FOUND", "merchant not found")
		case errors.Is(err, pipeline.ErrInFlight):
			respondError(c, http.StatusConflict, "PURCHASE_IN_FLIGHT", err.Error())
		default:
			respondError(c, http.StatusUnprocessableEntity, "CHECKOUT_REJECTED", err.Error())
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"agreement_id":   agreementID,
		"correlation_id": agreementID,
	})
}

// ----------------------------------------
// Pipeline
// ----------------------------------------

func (s *Server) getPipelineStatus(c *gin.Context) {
	st, err := s.Pipe.Status(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "PIPELINE_NOT_FOUND", "no pipeline for correlation id")
		return
	}
	if st.AccountID != CurrentAccountID(c) {
		respondError(c, http.StatusNotFound, "PIPELINE_NOT_FOUND", "no pipeline for correlation id")
		return
	}
	c.JSON(http.StatusOK, st)
}

// ----------------------------------------
// Merchants
// ----------------------------------------

func (s *Server) createMerchant(c *gin.Context) {
	var req createMerchantRequest
	if err := c.BindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	m, err := s.Merchants.Register(c.Request.Context(), req.Name, req.PayoutAddress, req.FeeBps)
	if err != nil {
		respondError(c, http.StatusUnprocessableEntity, "MERCHANT_REJECTED", err.Error())
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listMerchants(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	merchants, err := s.Merchants.List(c.Request.Context(), activeOnly)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"merchants": merchants})
}

func (s *Server) getMerchant(c *gin.Context) {
	m, err := s.Merchants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusNotFound, "MERCHANT_NOT_FOUND", "merchant not found")
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deactivateMerchant(c *gin.Context) {
	if err := s.Merchants.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, http.StatusNotFound, "MERCHANT_NOT_FOUND", "merchant not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
