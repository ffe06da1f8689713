package scheduler

import (
	"fmt"
	"time"

	cron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/overseer/internal/errs"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronExpr wraps a parsed cron schedule.
type CronExpr struct {
	raw      string
	schedule cron.Schedule
}

// ParseCron parses a standard 5-field cron expression or a descriptor such
// as "@hourly" or "@every 1m".
func ParseCron(expr string) (*CronExpr, error) {
	schedule, err := specParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w: %w", expr, errs.ErrInvalid, err)
	}
	return &CronExpr{raw: expr, schedule: schedule}, nil
}

// Next returns the next activation time after t.
func (c *CronExpr) Next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// String returns the raw cron expression.
func (c *CronExpr) String() string {
	return c.raw
}
