package admission

import (
	"strings"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/pkg/instruments"
)

// weekday pins the validator clock to a Wednesday so weekend gating
// never interferes with unrelated tests.
var weekday = time.Date(2026, 1, 7, 14, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v := New(instruments.Defaults(), cfg)
	now := weekday
	v.now = func() time.Time { return now }
	return v
}

func validRequest() domain.TradeRequest {
	return domain.TradeRequest{
		ID:         "req-1",
		UserID:     "user-1",
		Symbol:     "EURUSD",
		Direction:  domain.Long,
		Lot:        0.10,
		StopLoss:   1.0780,
		TakeProfit: 1.0860,
		Confidence: 0.90,
	}
}

func validAccount() domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Balance:  10000,
		Equity:   10000,
		Currency: "USD",
		Leverage: 500,
		Verified: true,
		AsOf:     time.Now(),
	}
}

func validProfile() domain.UserProfile {
	return domain.UserProfile{
		UserID:  "user-1",
		Tier:    domain.TierPro,
		RiskPct: 0.01,
	}
}

func TestCheckRuleOrder(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.TradeRequest, *domain.AccountSnapshot, *domain.UserProfile)
		wantOK  bool
		wantSub string
	}{
		{
			name:   "valid request passes",
			mutate: func(*domain.TradeRequest, *domain.AccountSnapshot, *domain.UserProfile) {},
			wantOK: true,
		},
		{
			name:    "unknown symbol",
			mutate:  func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) { r.Symbol = "DOGEUSD" },
			wantSub: "unknown symbol",
		},
		{
			name:    "bad direction",
			mutate:  func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) { r.Direction = "hold" },
			wantSub: "invalid direction",
		},
		{
			name:    "lot above instrument max",
			mutate:  func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) { r.Lot = 500 },
			wantSub: "outside EURUSD bounds",
		},
		{
			name: "long with tp below sl",
			mutate: func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) {
				r.StopLoss = 1.0860
				r.TakeProfit = 1.0780
			},
			wantSub: "take profit must be above stop loss",
		},
		{
			name: "short with tp above sl",
			mutate: func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) {
				r.Direction = domain.Short
				r.StopLoss = 1.0780
				r.TakeProfit = 1.0860
			},
			wantSub: "take profit must be below stop loss",
		},
		{
			name:    "unknown tier",
			mutate:  func(_ *domain.TradeRequest, _ *domain.AccountSnapshot, p *domain.UserProfile) { p.Tier = "vip" },
			wantSub: "unknown tier",
		},
		{
			name:    "confidence below tier minimum",
			mutate:  func(r *domain.TradeRequest, _ *domain.AccountSnapshot, _ *domain.UserProfile) { r.Confidence = 0.40 },
			wantSub: "below tier minimum",
		},
		{
			name:    "daily limit reached",
			mutate:  func(_ *domain.TradeRequest, _ *domain.AccountSnapshot, p *domain.UserProfile) { p.TradesToday = 20 },
			wantSub: "daily trade limit",
		},
		{
			name:    "concurrent position limit reached",
			mutate:  func(_ *domain.TradeRequest, _ *domain.AccountSnapshot, p *domain.UserProfile) { p.OpenPositions = 5 },
			wantSub: "open position limit",
		},
		{
			name:    "balance below tier minimum",
			mutate:  func(_ *domain.TradeRequest, a *domain.AccountSnapshot, _ *domain.UserProfile) { a.Balance = 50 },
			wantSub: "balance 50.00 below tier minimum",
		},
		{
			name:    "exposure limit reached",
			mutate:  func(_ *domain.TradeRequest, _ *domain.AccountSnapshot, p *domain.UserProfile) { p.Exposure = 900 },
			wantSub: "exposure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, Config{WeekendTradingAllowed: true})
			req := validRequest()
			acct := validAccount()
			profile := validProfile()
			tt.mutate(&req, &acct, &profile)

			ok, reason := v.Check(req, acct, profile)
			if ok != tt.wantOK {
				t.Fatalf("Check ok = %v, want %v (reason %q)", ok, tt.wantOK, reason)
			}
			if !tt.wantOK && !strings.Contains(reason, tt.wantSub) {
				t.Fatalf("reason %q does not contain %q", reason, tt.wantSub)
			}
		})
	}
}

func TestCheckDeterministic(t *testing.T) {
	v := newTestValidator(t, Config{WeekendTradingAllowed: true})
	req := validRequest()
	req.Confidence = 0.40 // rejected, so no rate-limit state is recorded

	ok1, reason1 := v.Check(req, validAccount(), validProfile())
	ok2, reason2 := v.Check(req, validAccount(), validProfile())

	if ok1 != ok2 || reason1 != reason2 {
		t.Fatalf("identical input produced different decisions: (%v, %q) vs (%v, %q)",
			ok1, reason1, ok2, reason2)
	}
}

func TestDailyLimitCountsAdmittedTrades(t *testing.T) {
	v := New(instruments.Defaults(), Config{MaxPerMinute: 100, Cooldown: time.Second, WeekendTradingAllowed: true})
	now := weekday
	v.now = func() time.Time { return now }

	// Press tier allows two trades per day.
	profile := validProfile()
	profile.Tier = domain.TierPress

	for i := 0; i < 2; i++ {
		if ok, reason := v.Check(validRequest(), validAccount(), profile); !ok {
			t.Fatalf("submission %d rejected: %s", i+1, reason)
		}
		now = now.Add(2 * time.Minute)
	}

	ok, reason := v.Check(validRequest(), validAccount(), profile)
	if ok {
		t.Fatal("third submission of the day must be rejected")
	}
	if !strings.Contains(reason, "daily trade limit") {
		t.Fatalf("expected daily limit reason, got %q", reason)
	}

	// A new UTC day resets the counter.
	now = now.Add(24 * time.Hour)
	if ok, reason := v.Check(validRequest(), validAccount(), profile); !ok {
		t.Fatalf("next-day submission rejected: %s", reason)
	}
}

func TestDailyLimitHonorsTokenClaim(t *testing.T) {
	v := newTestValidator(t, Config{WeekendTradingAllowed: true})

	// The claim says the user already traded elsewhere today.
	profile := validProfile()
	profile.Tier = domain.TierPress
	profile.TradesToday = 2

	ok, reason := v.Check(validRequest(), validAccount(), profile)
	if ok || !strings.Contains(reason, "daily trade limit") {
		t.Fatalf("claimed count must trip the limit, got (%v, %q)", ok, reason)
	}
}

func TestCooldownRejectsSecondSubmission(t *testing.T) {
	v := New(instruments.Defaults(), Config{Cooldown: 10 * time.Second, WeekendTradingAllowed: true})
	now := weekday
	v.now = func() time.Time { return now }

	if ok, reason := v.Check(validRequest(), validAccount(), validProfile()); !ok {
		t.Fatalf("first submission rejected: %s", reason)
	}

	now = now.Add(3 * time.Second)
	req2 := validRequest()
	req2.ID = "req-2"
	ok, reason := v.Check(req2, validAccount(), validProfile())
	if ok {
		t.Fatal("second submission inside cooldown must be rejected")
	}
	if !strings.Contains(reason, "cooldown") {
		t.Fatalf("expected cooldown reason, got %q", reason)
	}

	// After the cooldown the same user is admitted again.
	now = now.Add(15 * time.Second)
	if ok, reason := v.Check(req2, validAccount(), validProfile()); !ok {
		t.Fatalf("submission after cooldown rejected: %s", reason)
	}
}

func TestSlidingWindowLimit(t *testing.T) {
	v := New(instruments.Defaults(), Config{MaxPerMinute: 3, Cooldown: time.Second, WeekendTradingAllowed: true})
	now := weekday
	v.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, reason := v.Check(validRequest(), validAccount(), validProfile()); !ok {
			t.Fatalf("submission %d rejected: %s", i+1, reason)
		}
		now = now.Add(5 * time.Second)
	}

	ok, reason := v.Check(validRequest(), validAccount(), validProfile())
	if ok {
		t.Fatal("fourth submission within a minute must be rejected")
	}
	if !strings.Contains(reason, "rate limit") {
		t.Fatalf("expected rate limit reason, got %q", reason)
	}

	// Window slides: a minute later the user is admitted again.
	now = now.Add(70 * time.Second)
	if ok, reason := v.Check(validRequest(), validAccount(), validProfile()); !ok {
		t.Fatalf("submission after window rejected: %s", reason)
	}
}

func TestRateLimitIsPerUser(t *testing.T) {
	v := New(instruments.Defaults(), Config{Cooldown: 10 * time.Second, WeekendTradingAllowed: true})
	now := weekday
	v.now = func() time.Time { return now }

	if ok, _ := v.Check(validRequest(), validAccount(), validProfile()); !ok {
		t.Fatal("first user rejected")
	}

	other := validRequest()
	other.UserID = "user-2"
	profile := validProfile()
	profile.UserID = "user-2"
	if ok, reason := v.Check(other, validAccount(), profile); !ok {
		t.Fatalf("second user must not share the first user's window: %s", reason)
	}
}

func TestWeekendGating(t *testing.T) {
	v := newTestValidator(t, Config{})
	saturday := time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return saturday }

	ok, reason := v.Check(validRequest(), validAccount(), validProfile())
	if ok {
		t.Fatal("forex request on a Saturday must be rejected")
	}
	if !strings.Contains(reason, "weekend") {
		t.Fatalf("expected weekend reason, got %q", reason)
	}

	// Crypto trades around the clock.
	crypto := validRequest()
	crypto.Symbol = "BTCUSD"
	crypto.StopLoss = 64000
	crypto.TakeProfit = 68000
	if ok, reason := v.Check(crypto, validAccount(), validProfile()); !ok {
		t.Fatalf("crypto on a Saturday rejected: %s", reason)
	}
}

func TestHighRiskTierGating(t *testing.T) {
	v := newTestValidator(t, Config{WeekendTradingAllowed: true})

	req := validRequest()
	req.Symbol = "XAUUSD"
	req.StopLoss = 2320
	req.TakeProfit = 2380

	profile := validProfile()
	profile.Tier = domain.TierStarter
	req.Confidence = 0.80

	ok, reason := v.Check(req, validAccount(), profile)
	if ok {
		t.Fatal("high-risk instrument must be gated for low tiers")
	}
	if !strings.Contains(reason, "higher tier") {
		t.Fatalf("expected tier gating reason, got %q", reason)
	}

	profile.Tier = domain.TierPro
	if ok, reason := v.Check(req, validAccount(), profile); !ok {
		t.Fatalf("pro tier must pass high-risk gating: %s", reason)
	}
}

func TestStatsCount(t *testing.T) {
	v := newTestValidator(t, Config{WeekendTradingAllowed: true})

	v.Check(validRequest(), validAccount(), validProfile())
	bad := validRequest()
	bad.Symbol = "NOPE"
	v.Check(bad, validAccount(), validProfile())

	stats := v.Stats()
	if stats.Checked != 2 || stats.Passed != 1 || stats.Rejected != 1 {
		t.Fatalf("stats wrong: %+v", stats)
	}
}
