package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"stakeengine/pkg/db/pagination"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/middleware"
	"stakeengine/services/appeal"
	"stakeengine/services/extension"
	"stakeengine/services/payment"
	"stakeengine/services/penalty"
	"stakeengine/services/recovery"
	"stakeengine/services/stake"
	"stakeengine/services/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/datatypes"
)

const signatureHeader = "X-Provider-Signature"

type Handlers struct {
	stake     *stake.Service
	penalty   *penalty.Service
	appeal    *appeal.Service
	extension *extension.Service
	recovery  *recovery.Service
	wallet    *wallet.Service
	payment   *payment.Service
}

type HandlersParams struct {
	fx.In
	Stake     *stake.Service
	Penalty   *penalty.Service
	Appeal    *appeal.Service
	Extension *extension.Service
	Recovery  *recovery.Service
	Wallet    *wallet.Service
	Payment   *payment.Service
}

func NewHandlers(p HandlersParams) *Handlers {
	return &Handlers{
		stake:     p.Stake,
		penalty:   p.Penalty,
		appeal:    p.Appeal,
		extension: p.Extension,
		recovery:  p.Recovery,
		wallet:    p.Wallet,
		payment:   p.Payment,
	}
}

type createStakeRequest struct {
	Title         string    `json:"title"`
	StakeType     string    `json:"stake_type"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Deadline      time.Time `json:"deadline"`
	PaymentMethod string    `json:"payment_method"`
}

func (h *Handlers) CreateStake(c *gin.Context) {
	var req createStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.stake.CreateStake(c.Request.Context(), stake.CreateParams{
		OwnerID:       middleware.UserID(c.Request.Context()),
		Title:         req.Title,
		StakeType:     stake.StakeType(req.StakeType),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Deadline:      req.Deadline,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"stake":  result.Stake,
		"escrow": result.Escrow,
		"payment_intent": gin.H{
			"id":            result.Intent.ID,
			"client_secret": result.Intent.ClientSecret,
		},
	})
}

func (h *Handlers) GetStake(c *gin.Context) {
	row, err := h.stake.GetStake(c.Request.Context(), c.Param("id"), middleware.UserID(c.Request.Context()))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handlers) ListStakes(c *gin.Context) {
	rows, err := h.stake.ListStakes(c.Request.Context(), middleware.UserID(c.Request.Context()), stake.Status(c.Query("status")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *Handlers) CompleteStake(c *gin.Context) {
	row, err := h.stake.CompleteStake(c.Request.Context(), c.Param("id"), middleware.UserID(c.Request.Context()))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

type partialCompletionRequest struct {
	Percent  int             `json:"percent"`
	Evidence json.RawMessage `json:"evidence"`
}

func (h *Handlers) PartialCompletion(c *gin.Context) {
	var req partialCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	row, err := h.penalty.ProcessPartialCompletion(c.Request.Context(),
		c.Param("id"), middleware.UserID(c.Request.Context()), req.Percent, datatypes.JSON(req.Evidence))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

type appealRequest struct {
	Reason   string          `json:"reason"`
	Evidence json.RawMessage `json:"evidence"`
}

func (h *Handlers) SubmitAppeal(c *gin.Context) {
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	row, err := h.appeal.SubmitAppeal(c.Request.Context(),
		c.Param("id"), middleware.UserID(c.Request.Context()), req.Reason, datatypes.JSON(req.Evidence))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

type reviewAppealRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

func (h *Handlers) ReviewAppeal(c *gin.Context) {
	var req reviewAppealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	var approve bool
	switch req.Decision {
	case string(appeal.StatusApproved):
		approve = true
	case string(appeal.StatusRejected):
	default:
		c.Error(errutil.ValidationFailed("decision must be APPROVED or REJECTED", nil))
		return
	}

	row, err := h.appeal.ReviewAppeal(c.Request.Context(),
		c.Param("id"), middleware.UserID(c.Request.Context()), approve, req.Notes)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handlers) ExtensionEligibility(c *gin.Context) {
	out, err := h.extension.IsEligible(c.Request.Context(), c.Param("id"), middleware.UserID(c.Request.Context()))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type extensionRequest struct {
	NewDeadline time.Time `json:"new_deadline"`
	Reason      string    `json:"reason"`
}

func (h *Handlers) RequestExtension(c *gin.Context) {
	var req extensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	row, err := h.extension.RequestExtension(c.Request.Context(),
		c.Param("id"), middleware.UserID(c.Request.Context()), req.NewDeadline, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (h *Handlers) RecoveryEligibility(c *gin.Context) {
	out, err := h.recovery.IsEligible(c.Request.Context(), c.Param("id"), middleware.UserID(c.Request.Context()))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) CreateRecoveryStake(c *gin.Context) {
	var req createStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	result, err := h.recovery.CreateRecoveryStake(c.Request.Context(), recovery.CreateParams{
		OriginalStakeID: c.Param("id"),
		OwnerID:         middleware.UserID(c.Request.Context()),
		Title:           req.Title,
		StakeType:       stake.StakeType(req.StakeType),
		Amount:          req.Amount,
		Currency:        req.Currency,
		Deadline:        req.Deadline,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"stake":  result.Stake,
		"escrow": result.Escrow,
		"payment_intent": gin.H{
			"id":            result.Intent.ID,
			"client_secret": result.Intent.ClientSecret,
		},
	})
}

func (h *Handlers) GetWallet(c *gin.Context) {
	row, err := h.wallet.GetWallet(c.Request.Context(), middleware.UserID(c.Request.Context()))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handlers) ListWalletEntries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	var cursor *pagination.Cursor
	if raw := c.Query("cursor"); raw != "" {
		decoded, err := pagination.DecodeCursor(raw)
		if err != nil {
			c.Error(errutil.BadRequest("malformed cursor", err))
			return
		}
		cursor = decoded
	}

	rows, pageInfo, err := h.wallet.ListEntriesPage(c.Request.Context(), middleware.UserID(c.Request.Context()), cursor, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "page_info": pageInfo})
}

func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(errutil.BadRequest("unreadable webhook body", err))
		return
	}

	if err := h.payment.HandleWebhook(c.Request.Context(), body, c.GetHeader(signatureHeader)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handlers) RunSweep(c *gin.Context) {
	result, err := h.penalty.ProcessOverdueStakes(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
