// Package filedrop implements the signed file-drop transport variant.
// Instructions are serialized to a designated file the terminal consumes;
// a monitor polls the result and status files the terminal writes back.
// Every file on either side carries a keyed-hash integrity signature and is
// bounds-checked before it is parsed; anything oversized, malformed, or with
// a bad signature is discarded without being interpreted.
package filedrop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"execution-core/internal/domain"
	"execution-core/internal/transport"
	"execution-core/pkg/crypto"
)

const (
	instructionFilename = "instruction.csv"
	resultFilename      = "trade_result.json"
	statusFilename      = "bridge_status.json"

	// maxCommentLen matches the terminal's order-comment field limit.
	maxCommentLen = 31

	// staleAfter marks the link unhealthy when no status update arrives.
	staleAfter = 15 * time.Second
)

// Config holds the file-drop channel settings.
type Config struct {
	Dir          string
	PollInterval time.Duration
	MaxFileSize  int64
}

// Channel is the file-drop implementation of transport.Channel.
type Channel struct {
	cfg    Config
	signer *crypto.Signer

	results   chan domain.TradeResult
	telemetry chan transport.Telemetry
	ticks     chan transport.PriceTick

	mu            sync.Mutex
	connected     bool
	lastStatusAt  time.Time
	lastStatusMod time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates the channel and ensures the drop directory exists.
// Call Start to begin monitoring the result and status files.
func New(cfg Config, signer *crypto.Signer) (*Channel, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 64 * 1024
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create drop directory: %w", err)
	}
	return &Channel{
		cfg:       cfg,
		signer:    signer,
		results:   make(chan domain.TradeResult, 64),
		telemetry: make(chan transport.Telemetry, 64),
		ticks:     make(chan transport.PriceTick),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the polling monitor. Safe to call once.
func (c *Channel) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.checkResultFile()
				c.checkStatusFile()
			}
		}
	}()
}

func (c *Channel) Name() string { return "filedrop" }

// Send serializes the instruction as ordered, quoted fields followed by the
// integrity signature, written atomically with restrictive permissions.
func (c *Channel) Send(ctx context.Context, in transport.Instruction) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	payload := encodeInstruction(in)
	record := payload + "," + quote(c.signer.Sign([]byte(payload))) + "\n"
	if int64(len(record)) > c.cfg.MaxFileSize {
		return fmt.Errorf("instruction record exceeds max file size (%d bytes)", c.cfg.MaxFileSize)
	}

	path := filepath.Join(c.cfg.Dir, instructionFilename)
	if err := writeAtomic(path, []byte(record)); err != nil {
		return fmt.Errorf("write instruction file: %w", err)
	}
	log.Printf("filedrop: wrote %s command %s %s lot=%.2f", in.Kind, in.ID, in.Symbol, in.Lot)
	return nil
}

func (c *Channel) Results() <-chan domain.TradeResult    { return c.results }
func (c *Channel) Telemetry() <-chan transport.Telemetry { return c.telemetry }
func (c *Channel) Ticks() <-chan transport.PriceTick     { return c.ticks }

// Healthy reports whether the terminal has refreshed its status recently.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && time.Since(c.lastStatusAt) < staleAfter
}

// Close stops the monitor.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// encodeInstruction renders the ordered, quoted field list for one command.
// Field order: requestId, kind, symbol, direction, lot, price, takeProfit,
// stopLoss, ticket, closePercent, comment.
func encodeInstruction(in transport.Instruction) string {
	fields := []string{
		quote(in.ID),
		quote(string(in.Kind)),
		quote(strings.ToUpper(in.Symbol)),
		quote(string(in.Direction)),
		quote(fmt.Sprintf("%.2f", in.Lot)),
		quote(fmt.Sprintf("%.5f", in.Price)),
		quote(fmt.Sprintf("%.5f", in.TakeProfit)),
		quote(fmt.Sprintf("%.5f", in.StopLoss)),
		quote(fmt.Sprintf("%d", in.Ticket)),
		quote(fmt.Sprintf("%.2f", in.ClosePercent)),
		quote(sanitizeComment(in.Comment)),
	}
	return strings.Join(fields, ",")
}

func quote(s string) string {
	return `"` + s + `"`
}

// sanitizeComment strips every character that could break the record format
// out of the free-text comment and truncates it to the terminal's limit.
// The limit is in bytes, checked before each rune so a multibyte rune is
// dropped whole instead of pushing the comment over the bound.
func sanitizeComment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"', ',', '\n', '\r', '\x00':
			continue
		}
		if b.Len()+utf8.RuneLen(r) > maxCommentLen {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// writeAtomic writes data to a temp file and renames it into place so the
// consumer never observes a partial record.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// resultFile mirrors the JSON result record the terminal writes.
type resultFile struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	Ticket    int64   `json:"ticket"`
	Price     float64 `json:"price"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
	Account   struct {
		Balance    float64 `json:"balance"`
		Equity     float64 `json:"equity"`
		Margin     float64 `json:"margin"`
		FreeMargin float64 `json:"freeMargin"`
		Currency   string  `json:"currency"`
		Leverage   int     `json:"leverage"`
	} `json:"account"`
}

// statusFile mirrors the JSON status record the terminal refreshes.
type statusFile struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	Timestamp     int64  `json:"timestamp"`
	Connected     bool   `json:"connected"`
	OpenPositions int    `json:"openPositions"`
	OpenOrders    int    `json:"openOrders"`
}

func (c *Channel) checkResultFile() {
	path := filepath.Join(c.cfg.Dir, resultFilename)
	payload, ok := c.readSigned(path, true)
	if !ok {
		return
	}

	var rf resultFile
	if err := json.Unmarshal(payload, &rf); err != nil {
		log.Printf("filedrop: malformed result file discarded: %v", err)
		return
	}

	res := domain.TradeResult{
		ID:        rf.ID,
		Ticket:    rf.Ticket,
		FillPrice: rf.Price,
		Message:   rf.Message,
		Timestamp: time.Unix(rf.Timestamp, 0),
	}
	switch strings.ToLower(rf.Status) {
	case "success", "filled":
		res.Status = domain.StatusSuccess
	case "rejected":
		res.Status = domain.StatusRejected
		res.Code = domain.CodeExecution
	default:
		res.Status = domain.StatusError
		res.Code = domain.CodeExecution
	}

	select {
	case c.results <- res:
	default:
		log.Printf("filedrop: result channel full, dropping result for %s", res.ID)
	}

	// The result record doubles as an account telemetry sample.
	tel := transport.Telemetry{
		Balance:    rf.Account.Balance,
		Equity:     rf.Account.Equity,
		Margin:     rf.Account.Margin,
		FreeMargin: rf.Account.FreeMargin,
		Currency:   rf.Account.Currency,
		Leverage:   rf.Account.Leverage,
		Connected:  true,
		At:         time.Now(),
	}
	select {
	case c.telemetry <- tel:
	default:
	}
}

func (c *Channel) checkStatusFile() {
	path := filepath.Join(c.cfg.Dir, statusFilename)
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	c.mu.Lock()
	seen := c.lastStatusMod
	c.mu.Unlock()
	if !info.ModTime().After(seen) {
		return
	}

	payload, ok := c.readSigned(path, false)
	if !ok {
		return
	}

	var sf statusFile
	if err := json.Unmarshal(payload, &sf); err != nil {
		log.Printf("filedrop: malformed status file ignored: %v", err)
		return
	}

	c.mu.Lock()
	c.connected = sf.Connected
	c.lastStatusAt = time.Now()
	c.lastStatusMod = info.ModTime()
	c.mu.Unlock()

	tel := transport.Telemetry{
		Positions: sf.OpenPositions,
		Connected: sf.Connected,
		At:        time.Now(),
	}
	select {
	case c.telemetry <- tel:
	default:
	}
}

// readSigned loads a signed file, enforcing the size bound and verifying the
// trailing signature line before any content is trusted. Files failing any
// check are discarded, not parsed. When remove is true the file is deleted
// after consumption.
func (c *Channel) readSigned(path string, remove bool) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if info.Size() > c.cfg.MaxFileSize {
		log.Printf("filedrop: %s exceeds max size (%d > %d), discarded", filepath.Base(path), info.Size(), c.cfg.MaxFileSize)
		os.Remove(path)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	payload, sig, err := splitSigned(data)
	if err != nil {
		log.Printf("filedrop: %s has no signature line, discarded", filepath.Base(path))
		os.Remove(path)
		return nil, false
	}
	if err := c.signer.Verify(payload, sig); err != nil {
		log.Printf("filedrop: %s failed integrity check, discarded", filepath.Base(path))
		os.Remove(path)
		return nil, false
	}

	if remove {
		os.Remove(path)
	}
	return payload, true
}

// splitSigned separates `<payload>\n<hex signature>` into its parts.
func splitSigned(data []byte) (payload []byte, sig string, err error) {
	trimmed := bytes.TrimRight(data, "\n")
	idx := bytes.LastIndexByte(trimmed, '\n')
	if idx < 0 {
		return nil, "", fmt.Errorf("missing signature separator")
	}
	return trimmed[:idx], string(bytes.TrimSpace(trimmed[idx+1:])), nil
}

// WriteSigned renders payload plus its signature in the on-disk envelope
// format. Exported for tests and tooling that emulate the terminal side.
func WriteSigned(path string, payload []byte, signer *crypto.Signer) error {
	record := append(append([]byte{}, payload...), '\n')
	record = append(record, []byte(signer.Sign(payload))...)
	record = append(record, '\n')
	return writeAtomic(path, record)
}
