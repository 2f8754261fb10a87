package retention

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const day = 24 * time.Hour

// ParsePeriod parses a retention period. It accepts Go durations ("36h",
// "90m") and whole days or weeks ("7d", "2w"). "0" disables retention.
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty retention period")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("invalid retention period %q (must be non-negative)", s)
		}
		return d, nil
	}

	unit := s[len(s)-1]
	value, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid retention period %q (use a duration like '36h' or '<number><unit>' like '7d')", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid retention period %q (must be non-negative)", s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * day, nil
	case 'w':
		return time.Duration(value) * 7 * day, nil
	default:
		return 0, fmt.Errorf("invalid retention period unit %q (use d or w, or a Go duration)", string(unit))
	}
}

// FormatPeriod renders whole days as "<n>d" and anything else as a Go
// duration.
func FormatPeriod(d time.Duration) string {
	if d > 0 && d%day == 0 {
		return strconv.FormatInt(int64(d/day), 10) + "d"
	}
	return d.String()
}

// PeriodValue is a pflag.Value for retention periods.
type PeriodValue struct {
	target *time.Duration
}

var _ pflag.Value = (*PeriodValue)(nil)

// NewPeriodValue binds a flag to target, which keeps its current value as
// the default.
func NewPeriodValue(target *time.Duration) *PeriodValue {
	return &PeriodValue{target: target}
}

func (v *PeriodValue) String() string {
	if v.target == nil {
		return ""
	}
	return FormatPeriod(*v.target)
}

func (v *PeriodValue) Set(s string) error {
	d, err := ParsePeriod(s)
	if err != nil {
		return err
	}
	*v.target = d
	return nil
}

func (v *PeriodValue) Type() string { return "period" }
