package database

import (
	"context"
	"fmt"
	"time"
)

// CheckUsage returns today's used count for (identity, tool), creating the
// counter on first use and resetting it when its reset_date is not day.
// day is formatted as 2006-01-02.
func (c *Client) CheckUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string) (int, error) {
	var used int
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (identity, tool_code, daily_limit, used_count, reset_date)
		VALUES ($1, $2, $3, 0, $4::date)
		ON CONFLICT (identity, tool_code) DO UPDATE SET
			used_count = CASE
				WHEN usage_counters.reset_date <> EXCLUDED.reset_date THEN 0
				ELSE usage_counters.used_count
			END,
			reset_date = EXCLUDED.reset_date,
			daily_limit = EXCLUDED.daily_limit,
			updated_at = NOW()
		RETURNING used_count
	`, identity, toolCode, dailyLimit, day).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to check usage: %w", err)
	}
	return used, nil
}

// IncrementUsage adds one use for day in a single statement, so concurrent
// callers never lose an update.
func (c *Client) IncrementUsage(ctx context.Context, identity, toolCode string, dailyLimit int, day string, at time.Time) (int, error) {
	var used int
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (identity, tool_code, daily_limit, used_count, reset_date, last_used_at)
		VALUES ($1, $2, $3, 1, $4::date, $5)
		ON CONFLICT (identity, tool_code) DO UPDATE SET
			used_count = CASE
				WHEN usage_counters.reset_date <> EXCLUDED.reset_date THEN 1
				ELSE usage_counters.used_count + 1
			END,
			reset_date = EXCLUDED.reset_date,
			daily_limit = EXCLUDED.daily_limit,
			last_used_at = EXCLUDED.last_used_at,
			updated_at = NOW()
		RETURNING used_count
	`, identity, toolCode, dailyLimit, day, at.UTC()).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return used, nil
}
