package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/position"
)

// Journal persists submissions, results and open positions so a restart
// can resume managing positions the terminal still holds.
type Journal struct {
	db *Database
}

// NewJournal wraps an open database.
func NewJournal(database *Database) *Journal {
	return &Journal{db: database}
}

// RecordRequest journals a submission before it is sent.
func (j *Journal) RecordRequest(req domain.TradeRequest) error {
	_, err := j.db.DB.Exec(`
		INSERT OR REPLACE INTO trade_requests
			(id, user_id, symbol, direction, lot, stop_loss, take_profit, confidence, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserID, req.Symbol, string(req.Direction), req.Lot,
		req.StopLoss, req.TakeProfit, req.Confidence, req.Comment, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal request %s: %w", req.ID, err)
	}
	return nil
}

// RecordResult journals the outcome for a submitted request.
func (j *Journal) RecordResult(res domain.TradeResult) error {
	_, err := j.db.DB.Exec(`
		INSERT OR REPLACE INTO trade_results
			(id, status, code, ticket, fill_price, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.ID, string(res.Status), res.Code, res.Ticket, res.FillPrice, res.Message, res.Timestamp)
	if err != nil {
		return fmt.Errorf("journal result %s: %w", res.ID, err)
	}
	return nil
}

// GetResult loads a journaled result by request id.
func (j *Journal) GetResult(id string) (domain.TradeResult, bool, error) {
	row := j.db.DB.QueryRow(`
		SELECT id, status, code, ticket, fill_price, message, created_at
		FROM trade_results WHERE id = ?`, id)

	var res domain.TradeResult
	var status, code string
	err := row.Scan(&res.ID, &status, &code, &res.Ticket, &res.FillPrice, &res.Message, &res.Timestamp)
	if err == sql.ErrNoRows {
		return domain.TradeResult{}, false, nil
	}
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("load result %s: %w", id, err)
	}
	res.Status = domain.ResultStatus(status)
	res.Code = code
	return res, true, nil
}

// planState is the JSON shape stored in the plans column. The done flags
// keep one-shot plans from re-firing after a restart.
type planState struct {
	Plans []domain.ManagementPlan `json:"plans"`
	Done  []bool                  `json:"done,omitempty"`
}

// UpsertPosition journals the current state of a managed position.
func (j *Journal) UpsertPosition(snap position.Snapshot) error {
	plans, err := json.Marshal(planState{Plans: snap.Plans, Done: snap.PlansDone})
	if err != nil {
		return fmt.Errorf("marshal plans for %s: %w", snap.ID, err)
	}
	_, err = j.db.DB.Exec(`
		INSERT OR REPLACE INTO active_trades
			(id, user_id, ticket, symbol, direction, entry_price, stop_loss, take_profit,
			 lot, original_lot, closed_percent, at_breakeven, trailing, plans, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.UserID, snap.Ticket, snap.Symbol, string(snap.Direction),
		snap.EntryPrice, snap.StopLoss, snap.TakeProfit, snap.Lot, snap.OriginalLot,
		snap.ClosedPercent, boolToInt(snap.AtBreakeven), boolToInt(snap.Trailing),
		string(plans), snap.OpenedAt, time.Now())
	if err != nil {
		return fmt.Errorf("journal position %s: %w", snap.ID, err)
	}
	return nil
}

// DeletePosition removes a closed position from the journal. Deleting an
// absent row is not an error.
func (j *Journal) DeletePosition(id string) error {
	if _, err := j.db.DB.Exec(`DELETE FROM active_trades WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	return nil
}

// LoadOpenPositions returns every journaled position, newest first.
func (j *Journal) LoadOpenPositions() ([]position.Snapshot, error) {
	rows, err := j.db.DB.Query(`
		SELECT id, user_id, ticket, symbol, direction, entry_price, stop_loss, take_profit,
		       lot, original_lot, closed_percent, at_breakeven, trailing, plans, opened_at
		FROM active_trades ORDER BY opened_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []position.Snapshot
	for rows.Next() {
		var snap position.Snapshot
		var direction, plans string
		var atBreakeven, trailing int
		if err := rows.Scan(&snap.ID, &snap.UserID, &snap.Ticket, &snap.Symbol, &direction,
			&snap.EntryPrice, &snap.StopLoss, &snap.TakeProfit, &snap.Lot, &snap.OriginalLot,
			&snap.ClosedPercent, &atBreakeven, &trailing, &plans, &snap.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		snap.Direction = domain.Direction(direction)
		snap.AtBreakeven = atBreakeven == 1
		snap.Trailing = trailing == 1
		if plans != "" {
			var state planState
			if err := json.Unmarshal([]byte(plans), &state); err != nil {
				return nil, fmt.Errorf("unmarshal plans for %s: %w", snap.ID, err)
			}
			snap.Plans = state.Plans
			snap.PlansDone = state.Done
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
