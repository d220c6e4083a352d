package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseSchedule validates a 5 field cron expression or a macro like @hourly.
func ParseSchedule(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return errors.New("empty cron expression")
	}

	// Macros / @every handled by ParseStandard.
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

var cueDurationRx = regexp.MustCompile(`^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$`)

// ParseCueDuration parses strings matching ^(\d+d)?(\d+h)?(\d+m)?(\d+s)?$ into time.Duration.
func ParseCueDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("empty duration")
	}
	m := cueDurationRx.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.New("invalid duration format")
	}
	var total time.Duration
	for _, seg := range m[1:] {
		if seg == "" {
			continue
		}
		val, err := strconv.ParseInt(seg[:len(seg)-1], 10, 64)
		if err != nil {
			return 0, errors.New("invalid number in " + seg)
		}
		var unit time.Duration
		switch seg[len(seg)-1] {
		case 'd':
			unit = 24 * time.Hour
		case 'h':
			unit = time.Hour
		case 'm':
			unit = time.Minute
		case 's':
			unit = time.Second
		}
		if val > int64(math.MaxInt64/unit) {
			return 0, errors.New("duration overflow")
		}
		add := unit * time.Duration(val)
		if total > time.Duration(math.MaxInt64)-add {
			return 0, errors.New("duration overflow")
		}
		total += add
	}
	return total, nil
}

// ParseRetention accepts a plain number of milliseconds, a Go duration
// ("90s", "1h30m") or a day based duration ("1d12h"). The result must be positive.
func ParseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms > math.MaxInt64/int64(time.Millisecond) {
			return 0, errors.New("duration overflow")
		}
		d = time.Duration(ms) * time.Millisecond
	} else if gd, err := time.ParseDuration(s); err == nil {
		d = gd
	} else {
		cd, err := ParseCueDuration(s)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", s, err)
		}
		d = cd
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
