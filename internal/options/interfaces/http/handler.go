package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/response"

	oracleapp "github.com/quantclear/optionscore/internal/oracle/application"
	obdomain "github.com/quantclear/optionscore/internal/orderbook/domain"
	"github.com/quantclear/optionscore/internal/options/application"
	"github.com/quantclear/optionscore/internal/options/domain"
	"github.com/quantclear/optionscore/internal/protocol"
)

// accountHeader 授权层注入的已认证账户标识。
// 核心不再做身份校验，只校验被操作资源的归属。
const accountHeader = "X-Account-ID"

// OptionsHandler 负责处理 HTTP 请求
type OptionsHandler struct {
	svc *application.OptionsService
}

func NewOptionsHandler(svc *application.OptionsService) *OptionsHandler {
	return &OptionsHandler{svc: svc}
}

func (h *OptionsHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/options")
	{
		api.POST("/series", h.CreateSeries)
		api.GET("/series", h.ListSeries)
		api.GET("/series/:id", h.GetSeries)
		api.POST("/series/:id/settle", h.SettleSeries)
		api.POST("/series/:id/finalize", h.FinalizeSettlement)
		api.GET("/series/:id/book", h.GetBook)
		api.GET("/series/:id/settlement-price", h.GetSettlementPrice)

		api.POST("/orders", h.PlaceOrder)
		api.GET("/orders/:id", h.GetOrder)
		api.DELETE("/orders/:id", h.CancelOrder)
		api.POST("/write", h.WriteOption)
		api.POST("/buy", h.BuyOption)
		api.POST("/exercise", h.Exercise)

		api.POST("/vault/deposit", h.Deposit)
		api.POST("/vault/withdraw", h.Withdraw)
		api.GET("/vault", h.GetVault)
		api.POST("/vault/:owner/freeze", h.FreezeVault)
		api.POST("/vault/:owner/unfreeze", h.UnfreezeVault)

		api.GET("/margin", h.GetMargin)
		api.GET("/positions", h.ListPositions)

		api.POST("/oracle/prices", h.SubmitPrice)
		api.GET("/oracle/prices/:asset", h.GetPrice)
		api.GET("/oracle/twap/:asset", h.GetTWAP)
		api.POST("/oracle/sources", h.AddOracleSource)

		api.PUT("/parameters", h.UpdateParameters)
	}
}

func caller(c *gin.Context) (string, bool) {
	account := c.GetHeader(accountHeader)
	if account == "" {
		response.ErrorWithStatus(c, http.StatusUnauthorized, "missing account identity", "")
		return "", false
	}
	return account, true
}

type createSeriesRequest struct {
	Underlying   string          `json:"underlying" binding:"required"`
	Type         string          `json:"type" binding:"required"`
	Strike       decimal.Decimal `json:"strike" binding:"required"`
	ExpiryUnix   int64           `json:"expiry" binding:"required"`
	ContractSize decimal.Decimal `json:"contract_size" binding:"required"`
	Settlement   string          `json:"settlement"`
	Style        string          `json:"style"`
}

// CreateSeries 管理员创建期权系列。
func (h *OptionsHandler) CreateSeries(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req createSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	settlement := domain.SettlementKind(req.Settlement)
	if settlement == "" {
		settlement = domain.SettleCash
	}

	series, err := h.svc.CreateSeries(c.Request.Context(), account, application.CreateSeriesCommand{
		Underlying:   req.Underlying,
		Type:         domain.OptionType(req.Type),
		Strike:       req.Strike,
		Expiry:       time.Unix(req.ExpiryUnix, 0),
		ContractSize: req.ContractSize,
		Settlement:   settlement,
		Style:        domain.ExerciseStyle(req.Style),
	})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to create series", "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, series)
}

// ListSeries 列出所有激活系列。
func (h *OptionsHandler) ListSeries(c *gin.Context) {
	response.Success(c, gin.H{"data": h.svc.ListActiveSeries()})
}

// GetSeries 查询系列详情。
func (h *OptionsHandler) GetSeries(c *gin.Context) {
	series, err := h.svc.GetSeries(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, series)
}

// SettleSeries 管理员在头寸清零后关闭到期系列。
func (h *OptionsHandler) SettleSeries(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	if err := h.svc.SettleExpiredSeries(c.Request.Context(), account, c.Param("id")); err != nil {
		logging.Error(c.Request.Context(), "failed to settle series", "series_id", c.Param("id"), "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"series_id": c.Param("id"), "status": "settled"})
}

// FinalizeSettlement 管理员敲定系列交割价。
func (h *OptionsHandler) FinalizeSettlement(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	sp, err := h.svc.FinalizeSettlement(c.Request.Context(), account, c.Param("id"))
	if err != nil {
		logging.Error(c.Request.Context(), "failed to finalize settlement", "series_id", c.Param("id"), "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, sp)
}

// GetBook 获取系列订单簿快照。
func (h *OptionsHandler) GetBook(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "20"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid depth parameter", "")
		return
	}
	response.Success(c, h.svc.BookSnapshot(c.Param("id"), depth))
}

// GetSettlementPrice 查询已敲定的交割价。
func (h *OptionsHandler) GetSettlementPrice(c *gin.Context) {
	sp, err := h.svc.SettlementPriceOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if sp == nil {
		response.ErrorWithStatus(c, http.StatusNotFound, "settlement price not finalized", "")
		return
	}
	response.Success(c, sp)
}

type placeOrderRequest struct {
	SeriesID string          `json:"series_id" binding:"required"`
	Side     string          `json:"side" binding:"required"`
	Type     string          `json:"type" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// PlaceOrder 下单并返回订单终态与成交列表。
func (h *OptionsHandler) PlaceOrder(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}

	order, fills, err := h.svc.PlaceOrder(c.Request.Context(), account, application.PlaceOrderCommand{
		SeriesID: req.SeriesID,
		Side:     obdomain.OrderSide(req.Side),
		Type:     obdomain.OrderType(req.Type),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to place order", "series_id", req.SeriesID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"order": order, "fills": fills})
}

// GetOrder 查询订单。
func (h *OptionsHandler) GetOrder(c *gin.Context) {
	order, err := h.svc.GetOrder(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, order)
}

// CancelOrder 撤销挂单。
func (h *OptionsHandler) CancelOrder(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	order, err := h.svc.CancelOrder(c.Request.Context(), account, c.Param("id"))
	if err != nil {
		logging.Error(c.Request.Context(), "failed to cancel order", "order_id", c.Param("id"), "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, order)
}

type issuanceRequest struct {
	SeriesID string          `json:"series_id" binding:"required"`
	Premium  decimal.Decimal `json:"premium" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// WriteOption 一级发行：卖出开仓。
func (h *OptionsHandler) WriteOption(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req issuanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	order, fills, err := h.svc.WriteOption(c.Request.Context(), account, req.SeriesID, req.Premium, req.Quantity)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to write option", "series_id", req.SeriesID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"order": order, "fills": fills})
}

// BuyOption 一级认购：买入开仓。
func (h *OptionsHandler) BuyOption(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req issuanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	order, fills, err := h.svc.BuyOption(c.Request.Context(), account, req.SeriesID, req.Premium, req.Quantity)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to buy option", "series_id", req.SeriesID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"order": order, "fills": fills})
}

type exerciseRequest struct {
	SeriesID string          `json:"series_id" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
}

// Exercise 行权。
func (h *OptionsHandler) Exercise(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req exerciseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	result, err := h.svc.Exercise(c.Request.Context(), account, req.SeriesID, req.Quantity)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to exercise", "series_id", req.SeriesID, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Deposit 入金。
func (h *OptionsHandler) Deposit(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	if err := h.svc.Deposit(c.Request.Context(), account, req.Amount); err != nil {
		logging.Error(c.Request.Context(), "failed to deposit", "account", account, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"account": account, "amount": req.Amount.String()})
}

// Withdraw 出金。
func (h *OptionsHandler) Withdraw(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	if err := h.svc.Withdraw(c.Request.Context(), account, req.Amount); err != nil {
		logging.Error(c.Request.Context(), "failed to withdraw", "account", account, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"account": account, "amount": req.Amount.String()})
}

// GetVault 查询金库。
func (h *OptionsHandler) GetVault(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	vault, err := h.svc.GetVault(c.Request.Context(), account)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, vault)
}

// FreezeVault 管理员冻结账户金库。
func (h *OptionsHandler) FreezeVault(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	if err := h.svc.FreezeVault(c.Request.Context(), account, c.Param("owner")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"owner": c.Param("owner"), "status": "frozen"})
}

// UnfreezeVault 管理员解冻账户金库。
func (h *OptionsHandler) UnfreezeVault(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	if err := h.svc.UnfreezeVault(c.Request.Context(), account, c.Param("owner")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"owner": c.Param("owner"), "status": "active"})
}

// GetMargin 查询账户保证金快照。
func (h *OptionsHandler) GetMargin(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	margin, err := h.svc.AccountMargin(c.Request.Context(), account)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to compute margin", "account", account, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, margin)
}

// ListPositions 查询账户头寸。
func (h *OptionsHandler) ListPositions(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	response.Success(c, gin.H{"data": h.svc.ListPositions(account)})
}

type submitPriceRequest struct {
	Asset      string          `json:"asset" binding:"required"`
	Price      decimal.Decimal `json:"price" binding:"required"`
	Timestamp  int64           `json:"timestamp" binding:"required"`
	SourceID   string          `json:"source_id" binding:"required"`
	Confidence decimal.Decimal `json:"confidence"`
}

// SubmitPrice 接收带外价格推送（与 Kafka 摄入同一管道）。
func (h *OptionsHandler) SubmitPrice(c *gin.Context) {
	var req submitPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	err := h.svc.SubmitPrice(c.Request.Context(), oracleapp.SubmitPriceCommand{
		Asset:      req.Asset,
		Price:      req.Price,
		Timestamp:  time.UnixMilli(req.Timestamp),
		SourceID:   req.SourceID,
		Confidence: req.Confidence,
	})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to submit price", "asset", req.Asset, "error", err)
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"asset": req.Asset, "status": "accepted"})
}

// GetPrice 查询新鲜现价。
func (h *OptionsHandler) GetPrice(c *gin.Context) {
	price, err := h.svc.CurrentPrice(c.Request.Context(), c.Param("asset"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"asset": c.Param("asset"), "price": price.String()})
}

// GetTWAP 查询时间加权均价。
func (h *OptionsHandler) GetTWAP(c *gin.Context) {
	twap, err := h.svc.TWAP(c.Request.Context(), c.Param("asset"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"asset": c.Param("asset"), "twap": twap.String()})
}

type addSourceRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	Kind     string `json:"kind" binding:"required"`
}

// AddOracleSource 管理员追加预言机数据源。
func (h *OptionsHandler) AddOracleSource(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req addSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	if err := h.svc.AddOracleSource(c.Request.Context(), account, req.SourceID, protocol.SourceKind(req.Kind)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"source_id": req.SourceID, "kind": req.Kind})
}

type updateParametersRequest struct {
	InitialMarginRate     decimal.Decimal `json:"initial_margin_rate"`
	MaintenanceMarginRate decimal.Decimal `json:"maintenance_margin_rate"`
	LiquidationBuffer     decimal.Decimal `json:"liquidation_buffer"`
	MaxStalenessSeconds   int64           `json:"max_staleness_seconds"`
	TWAPWindowSeconds     int64           `json:"twap_window_seconds"`
}

// UpdateParameters 管理员热更新风险参数。
func (h *OptionsHandler) UpdateParameters(c *gin.Context) {
	account, ok := caller(c)
	if !ok {
		return
	}
	var req updateParametersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	err := h.svc.UpdateRiskParameters(c.Request.Context(), account, application.UpdateRiskParametersCommand{
		InitialMarginRate:     req.InitialMarginRate,
		MaintenanceMarginRate: req.MaintenanceMarginRate,
		LiquidationBuffer:     req.LiquidationBuffer,
		MaxStaleness:          time.Duration(req.MaxStalenessSeconds) * time.Second,
		TWAPWindow:            time.Duration(req.TWAPWindowSeconds) * time.Second,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"status": "updated"})
}
