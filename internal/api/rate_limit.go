package api

import (
	"sync"
	"time"
)

// admitLimiter caps task admissions per account and globally over a sliding
// one-minute window. Zero disables a limit.
type admitLimiter struct {
	mu            sync.Mutex
	perAccountMax int
	globalMax     int
	window        time.Duration
	accounts      map[string][]int64
	global        []int64
}

func newAdmitLimiter(perAccount, global int) *admitLimiter {
	if perAccount < 0 {
		perAccount = 0
	}
	if global < 0 {
		global = 0
	}
	return &admitLimiter{
		perAccountMax: perAccount,
		globalMax:     global,
		window:        time.Minute,
		accounts:      map[string][]int64{},
		global:        make([]int64, 0, 256),
	}
}

func (l *admitLimiter) allow(account string, now time.Time) bool {
	if l == nil || (l.perAccountMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().UnixMilli()
	cutoff := ts - l.window.Milliseconds()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}
	history := trimCutoff(l.accounts[account], cutoff)
	if l.perAccountMax > 0 && len(history) >= l.perAccountMax {
		l.accounts[account] = history
		return false
	}
	l.accounts[account] = append(history, ts)
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}
