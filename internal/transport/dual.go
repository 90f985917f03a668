package transport

import (
	"context"
	"log"
	"sync"

	"execution-core/internal/domain"
)

// Dual fans a single logical send out to two underlying channels while a
// transport migration is in flight. The primary channel's failures are the
// caller's failures; the secondary is best-effort and only logged. Inbound
// streams from both sides are merged — result deduplication is the
// Correlator's job, so a result arriving on both channels applies once.
type Dual struct {
	primary   Channel
	secondary Channel

	results   chan domain.TradeResult
	telemetry chan Telemetry
	ticks     chan PriceTick

	closeOnce sync.Once
	done      chan struct{}
}

// NewDual wraps two channels into one. Call Start after starting both
// underlying channels.
func NewDual(primary, secondary Channel) *Dual {
	return &Dual{
		primary:   primary,
		secondary: secondary,
		results:   make(chan domain.TradeResult, 64),
		telemetry: make(chan Telemetry, 64),
		ticks:     make(chan PriceTick, 256),
		done:      make(chan struct{}),
	}
}

// Start launches the merge loops for both inbound sides.
func (d *Dual) Start(ctx context.Context) {
	for _, ch := range []Channel{d.primary, d.secondary} {
		go d.mergeResults(ctx, ch)
		go d.mergeTelemetry(ctx, ch)
		go d.mergeTicks(ctx, ch)
	}
}

func (d *Dual) Name() string { return d.primary.Name() + "+" + d.secondary.Name() }

// Send writes to both channels. The secondary failing is logged only.
func (d *Dual) Send(ctx context.Context, in Instruction) error {
	if err := d.secondary.Send(ctx, in); err != nil {
		log.Printf("transport: secondary %s send failed for %s: %v", d.secondary.Name(), in.ID, err)
	}
	return d.primary.Send(ctx, in)
}

func (d *Dual) Results() <-chan domain.TradeResult { return d.results }
func (d *Dual) Telemetry() <-chan Telemetry        { return d.telemetry }
func (d *Dual) Ticks() <-chan PriceTick            { return d.ticks }

// Healthy is true while either side can still reach the terminal.
func (d *Dual) Healthy() bool {
	return d.primary.Healthy() || d.secondary.Healthy()
}

// Close closes both underlying channels.
func (d *Dual) Close() error {
	d.closeOnce.Do(func() { close(d.done) })
	err := d.primary.Close()
	if err2 := d.secondary.Close(); err == nil {
		err = err2
	}
	return err
}

func (d *Dual) mergeResults(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case res, ok := <-ch.Results():
			if !ok {
				return
			}
			select {
			case d.results <- res:
			default:
			}
		}
	}
}

func (d *Dual) mergeTelemetry(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case tel, ok := <-ch.Telemetry():
			if !ok {
				return
			}
			select {
			case d.telemetry <- tel:
			default:
			}
		}
	}
}

func (d *Dual) mergeTicks(ctx context.Context, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case tick, ok := <-ch.Ticks():
			if !ok {
				return
			}
			select {
			case d.ticks <- tick:
			default:
			}
		}
	}
}
