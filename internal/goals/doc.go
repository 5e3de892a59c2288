// Package goals holds habit tracking: habits with progressive frequency
// targets, a per-day progress log, life contexts that excuse days, the
// biweekly progression engine and the consistency scorer.
//
// Calendar days are represented as time.Time values at UTC midnight of the
// owner-local date (see Day).
package goals
