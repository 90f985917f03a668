// Package domain holds the core trade types shared between the admission
// gate, the sizing calculator, the transport layer, and the position
// lifecycle manager.
package domain

import (
	"fmt"
	"time"
)

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "buy"
	Short Direction = "sell"
)

// Valid reports whether the direction is one of the two tradable sides.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Opposite returns the closing side for the direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// TradeRequest is an immutable trade instruction submitted by a caller.
// Constructed once, consumed once by the execution router.
type TradeRequest struct {
	ID         string
	UserID     string
	Symbol     string
	Direction  Direction
	Lot        float64 // requested size; the router overrides it with the sized lot
	StopLoss   float64 // 0 when absent
	TakeProfit float64 // 0 when absent
	Confidence float64 // signal quality score, 0-1
	Comment    string
	CreatedAt  time.Time
}

// ResultStatus classifies the outcome of a submitted request.
type ResultStatus string

const (
	StatusSuccess  ResultStatus = "success"
	StatusRejected ResultStatus = "rejected"
	StatusTimeout  ResultStatus = "timeout"
	StatusError    ResultStatus = "error"
)

// Error codes surfaced on rejected or failed results. Stable across releases
// so callers can switch on them.
const (
	CodeValidation    = "VALIDATION_FAILED"
	CodeSecurity      = "SECURITY_REJECTED"
	CodeTimeout       = "RESULT_TIMEOUT"
	CodeTransport     = "TRANSPORT_UNAVAILABLE"
	CodeExecution     = "EXECUTION_REJECTED"
	CodeEmergencyStop = "EMERGENCY_STOP"
	CodeStaleAccount  = "ACCOUNT_STALE"
	CodeDuplicate     = "DUPLICATE_POSITION"
	CodeShutdown      = "SHUTTING_DOWN"
)

// TradeResult is the single outcome record for a request id. Produced exactly
// once per submitted request and correlated back by ID.
type TradeResult struct {
	ID        string
	Status    ResultStatus
	Code      string // stable error code, empty on success
	Ticket    int64  // broker ticket id, 0 when not filled
	FillPrice float64
	Message   string
	Timestamp time.Time
}

// Succeeded reports whether the terminal accepted and filled the request.
func (r TradeResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// RejectedResult builds a rejection result for a request.
func RejectedResult(id, code, message string) TradeResult {
	return TradeResult{
		ID:        id,
		Status:    StatusRejected,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// TimeoutResult builds the synthetic result returned when no terminal
// response arrives within the correlation window.
func TimeoutResult(id string, waited time.Duration) TradeResult {
	return TradeResult{
		ID:        id,
		Status:    StatusTimeout,
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("no result within %s; resubmit with a new request id", waited),
		Timestamp: time.Now(),
	}
}
