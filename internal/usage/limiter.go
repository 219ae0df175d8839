package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrMissingIdentity = errors.New("no user identifier provided")

const dayLayout = "2006-01-02"

// Identity is who usage is charged to: a registered user id or an anonymous
// browser fingerprint.
type Identity struct {
	Value      string
	Registered bool
}

// ResolveIdentity picks the user id over the fingerprint.
func ResolveIdentity(userID, fingerprint string) (Identity, error) {
	if v := strings.TrimSpace(userID); v != "" {
		return Identity{Value: v, Registered: true}, nil
	}
	if v := strings.TrimSpace(fingerprint); v != "" {
		return Identity{Value: v}, nil
	}
	return Identity{}, ErrMissingIdentity
}

// Store keeps one counter per (identity, tool) that resets when its day changes.
// Both calls must be atomic with respect to each other. IncrementUsage
// records at as the counter's last use.
type Store interface {
	CheckUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string) (int, error)
	IncrementUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string, at time.Time) (int, error)
}

type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Used      int
	Message   string
}

type Limiter struct {
	store           Store
	clock           clock.Clock
	registeredLimit int
	anonymousLimit  int
}

func NewLimiter(store Store, clk clock.Clock, registeredLimit, anonymousLimit int) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		store:           store,
		clock:           clk,
		registeredLimit: registeredLimit,
		anonymousLimit:  anonymousLimit,
	}
}

// Today is the current UTC day in the format counters are keyed by.
func (l *Limiter) Today() string {
	return l.clock.Now().UTC().Format(dayLayout)
}

func (l *Limiter) LimitFor(id Identity) int {
	if id.Registered {
		return l.registeredLimit
	}
	return l.anonymousLimit
}

// Check reports whether one more use is allowed today.
func (l *Limiter) Check(ctx context.Context, id Identity, toolCode string) (Decision, error) {
	return l.CheckN(ctx, id, toolCode, 1)
}

// CheckN reports whether n more uses fit in today's remaining allotment.
// It never changes the used count beyond a lazy daily reset.
func (l *Limiter) CheckN(ctx context.Context, id Identity, toolCode string, n int) (Decision, error) {
	if id.Value == "" {
		return Decision{Message: ErrMissingIdentity.Error()}, ErrMissingIdentity
	}

	limit := l.LimitFor(id)
	used, err := l.store.CheckUsage(ctx, id.Value, toolCode, limit, l.Today())
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check usage limit: %w", err)
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   remaining > 0 && remaining >= n,
		Remaining: remaining,
		Limit:     limit,
		Used:      used,
	}
	if !d.Allowed {
		d.Message = limitMessage(id, limit, remaining)
	}
	return d, nil
}

// Increment charges one use. It does not check the limit.
func (l *Limiter) Increment(ctx context.Context, id Identity, toolCode string) error {
	if id.Value == "" {
		return ErrMissingIdentity
	}
	now := l.clock.Now()
	if _, err := l.store.IncrementUsage(ctx, id.Value, toolCode, l.LimitFor(id), now.UTC().Format(dayLayout), now); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

func limitMessage(id Identity, limit, remaining int) string {
	if remaining > 0 {
		return fmt.Sprintf("You only have %d uses left today.", remaining)
	}
	if id.Registered {
		return fmt.Sprintf("You have reached your daily limit of %d files. Please try again tomorrow.", limit)
	}
	return fmt.Sprintf("You have reached your daily limit of %d file. Please register for more usage.", limit)
}
