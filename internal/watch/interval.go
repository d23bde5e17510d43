package watch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Interval input format: "1m2d3h4min5s". Every unit must be present, even
// when zero, so "0m7d0h0min0s" is valid and "7d" is not.
var intervalRe = regexp.MustCompile(`^(\d+)m(\d+)d(\d+)h(\d+)min(\d+)s$`)

var (
	ErrIntervalFormat      = errors.New("watch: interval must look like 0m1d2h3min4s with every unit present")
	ErrIntervalNonPositive = errors.New("watch: interval must be greater than zero")
)

// daysPerMonth is the fixed month length used when normalizing intervals.
// Calendar-aware months would make "1 month" fire at uneven spacing.
const daysPerMonth = 30

// ParseInterval parses the operator-facing interval format into its
// structured form.
func ParseInterval(s string) (IntervalInput, error) {
	m := intervalRe.FindStringSubmatch(s)
	if m == nil {
		return IntervalInput{}, fmt.Errorf("%w (got %q)", ErrIntervalFormat, s)
	}
	var vals [5]int
	for i := range vals {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return IntervalInput{}, fmt.Errorf("%w (got %q)", ErrIntervalFormat, s)
		}
		vals[i] = n
	}
	in := IntervalInput{
		Months:  vals[0],
		Days:    vals[1],
		Hours:   vals[2],
		Minutes: vals[3],
		Seconds: vals[4],
	}
	if in.Duration() <= 0 {
		return IntervalInput{}, ErrIntervalNonPositive
	}
	return in, nil
}

// Duration normalizes the input to a time.Duration, treating a month as
// daysPerMonth days.
func (in IntervalInput) Duration() time.Duration {
	days := in.Months*daysPerMonth + in.Days
	return time.Duration(days)*24*time.Hour +
		time.Duration(in.Hours)*time.Hour +
		time.Duration(in.Minutes)*time.Minute +
		time.Duration(in.Seconds)*time.Second
}

// String renders the input back in the accepted format.
func (in IntervalInput) String() string {
	return fmt.Sprintf("%dm%dd%dh%dmin%ds", in.Months, in.Days, in.Hours, in.Minutes, in.Seconds)
}

// Interval builds the CheckInterval pair for a parsed input.
func (in IntervalInput) Interval() CheckInterval {
	return CheckInterval{Input: in, Duration: in.Duration()}
}
