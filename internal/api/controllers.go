package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"execution-core/internal/domain"
)

// submitTradeRequest is the JSON payload for POST /api/trades.
type submitTradeRequest struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol" binding:"required"`
	Direction  string  `json:"direction" binding:"required"`
	Lot        float64 `json:"lot"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Confidence float64 `json:"confidence"`
	Comment    string  `json:"comment"`
}

// tradeResultResponse is the stable result shape for every submission
// outcome, success or failure.
type tradeResultResponse struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Code      string  `json:"code,omitempty"`
	Ticket    int64   `json:"ticket,omitempty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Message   string  `json:"message,omitempty"`
}

func resultResponse(res domain.TradeResult) tradeResultResponse {
	return tradeResultResponse{
		ID:        res.ID,
		Status:    string(res.Status),
		Code:      res.Code,
		Ticket:    res.Ticket,
		FillPrice: res.FillPrice,
		Message:   res.Message,
	}
}

func statusForResult(res domain.TradeResult) int {
	switch res.Status {
	case domain.StatusSuccess:
		return http.StatusOK
	case domain.StatusRejected:
		return http.StatusUnprocessableEntity
	case domain.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// submitTrade runs the full submission pipeline and blocks until the
// correlated result or the timeout.
func (s *Server) submitTrade(c *gin.Context) {
	var req submitTradeRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	profile, ok := CurrentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "no trading profile in token",
		})
		return
	}
	profile.OpenPositions, profile.Exposure = s.userFootprint(profile.UserID)

	trade := domain.TradeRequest{
		ID:         req.ID,
		UserID:     profile.UserID,
		Symbol:     strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Direction:  domain.Direction(strings.ToLower(req.Direction)),
		Lot:        req.Lot,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Confidence: req.Confidence,
		Comment:    req.Comment,
	}

	res := s.Exec.Submit(c.Request.Context(), trade, profile)
	c.JSON(statusForResult(res), resultResponse(res))
}

// userFootprint counts the user's managed positions and sums their open
// risk in account currency: stop distance in pips times pip value times
// remaining lot. Positions without a stop contribute nothing measurable.
func (s *Server) userFootprint(userID string) (open int, exposure float64) {
	for _, snap := range s.Exec.Positions() {
		if snap.UserID != userID {
			continue
		}
		open++
		spec, found := s.Catalog.Get(snap.Symbol)
		if !found || snap.StopLoss <= 0 {
			continue
		}
		exposure += spec.PipsBetween(snap.EntryPrice, snap.StopLoss) * spec.PipValuePerLot * snap.Lot
	}
	return open, exposure
}

// getTradeStatus returns a point-in-time copy of a managed trade.
func (s *Server) getTradeStatus(c *gin.Context) {
	id := c.Param("id")
	snap, found := s.Exec.GetTradeStatus(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "TRADE_NOT_FOUND",
			"error": "no managed trade with id " + id,
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// listTrades returns the caller's managed trades.
func (s *Server) listTrades(c *gin.Context) {
	profile, ok := CurrentProfile(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_TOKEN"})
		return
	}

	all := s.Exec.Positions()
	mine := all[:0]
	for _, snap := range all {
		if snap.UserID == profile.UserID {
			mine = append(mine, snap)
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": mine, "count": len(mine)})
}

// closeTrade sends a full close for a managed trade. Closing an unknown
// or already-closed trade reports not found.
func (s *Server) closeTrade(c *gin.Context) {
	id := c.Param("id")
	found, err := s.Exec.ClosePosition(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  domain.CodeTransport,
			"error": err.Error(),
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"code":  "TRADE_NOT_FOUND",
			"error": "no managed trade with id " + id,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": id})
}

// getSystemStatus reports execution health.
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.Exec.GetSystemStatus()
	c.JSON(http.StatusOK, gin.H{
		"transport_mode": s.Meta.TransportMode,
		"version":        s.Meta.Version,
		"status":         status,
	})
}

// getMetrics returns a point-in-time metrics snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getInstruments lists the tradable instrument catalog.
func (s *Server) getInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.Catalog.Symbols()})
}

// setEmergencyStop flips the admission kill switch.
func (s *Server) setEmergencyStop(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	s.Exec.SetEmergencyStop(req.Active)
	c.JSON(http.StatusOK, gin.H{"emergency_stop": req.Active})
}
