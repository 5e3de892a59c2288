package goals

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"cadence/internal/apperr"
	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

const (
	scoreBase        = 50.0
	completionWeight = 40.0
	streakWeight     = 20.0
	streakCap        = 30.0
	progressWeight   = 15.0
	graceWeight      = 10.0
	trendScale       = 50.0
	trendCap         = 15.0
	excuseLookback   = 14
)

type Scorer struct {
	habits      HabitStore
	progress    *Progress
	scores      ScoreStore
	clock       clock
	historySize int
	bus         eventbus.Bus
	log         logx.Logger
}

// Calculate computes the owner's consistency score from current data. It
// does not persist anything.
func (s *Scorer) Calculate(ctx context.Context, owner string, today time.Time) (Breakdown, error) {
	today = s.clock.orToday(today)
	habits, err := s.habits.ListHabits(ctx, owner, true)
	if err != nil {
		return Breakdown{}, err
	}
	b := Breakdown{OwnerID: owner, Base: scoreBase, Habits: len(habits)}
	if len(habits) == 0 {
		b.Total = scoreBase
		return b, nil
	}

	var (
		completion         float64
		sumCur, sumTarget  int
		thisWeek, lastWeek float64
	)
	weekStart := today.AddDate(0, 0, -6)
	prevStart, prevEnd := today.AddDate(0, 0, -13), today.AddDate(0, 0, -7)
	excuseFrom := today.AddDate(0, 0, -(excuseLookback - 1))

	for _, h := range habits {
		hist, err := s.progress.history(ctx, h, today.AddDate(0, 0, -streakHorizon), today)
		if err != nil {
			return Breakdown{}, fmt.Errorf("habit %d: %w", h.ID, err)
		}
		cur, target := float64(h.CurrentFrequency), float64(h.TargetFrequency)

		rate, done, _, _ := hist.rate(weekStart, today, true)
		completion += math.Min(float64(done)/cur, 1) * (cur / target)
		thisWeek += rate
		prev, _, _, _ := hist.rate(prevStart, prevEnd, true)
		lastWeek += prev

		b.MaxStreak = max(b.MaxStreak, hist.streak(today, today.AddDate(0, 0, -streakHorizon)))
		sumCur += h.CurrentFrequency
		sumTarget += h.TargetFrequency

		for d, e := range hist.byDay {
			if d.Before(excuseFrom) || e.Completed || (e.Excuse == "" && e.ExcuseCategory == "") {
				continue
			}
			b.Excuses++
			if legitimateExcuse(e.ExcuseCategory) {
				b.LegitExcuses++
			}
		}
	}

	n := float64(len(habits))
	b.Completion = completion / n * completionWeight
	b.Streak = math.Min(float64(b.MaxStreak)/streakCap, 1) * streakWeight
	b.Progression = float64(sumCur) / float64(sumTarget) * progressWeight
	if b.Excuses > 0 {
		b.ExcuseGrace = float64(b.LegitExcuses) / float64(b.Excuses) * graceWeight
	}
	b.ThisWeekRate = thisWeek / n
	b.LastWeekRate = lastWeek / n
	b.Trend = clamp((b.ThisWeekRate-b.LastWeekRate)*trendScale, -trendCap, trendCap)
	b.Total = clamp(b.Base+b.Completion+b.Streak+b.Progression+b.ExcuseGrace+b.Trend, 0, 100)
	return b, nil
}

// UpdateHistory calculates the score, appends it to the owner's history and
// raises the peak when exceeded. A non-empty sourceKey already present in
// the history leaves the stored score untouched.
func (s *Scorer) UpdateHistory(ctx context.Context, owner string, today time.Time, reason, sourceKey string) (Breakdown, error) {
	today = s.clock.orToday(today)
	b, err := s.Calculate(ctx, owner, today)
	if err != nil {
		return Breakdown{}, err
	}
	sc, err := s.scores.GetScore(ctx, owner)
	if apperr.IsNotFound(err) {
		sc, err = Score{OwnerID: owner}, nil
	}
	if err != nil {
		return Breakdown{}, err
	}
	if sourceKey != "" && slices.ContainsFunc(sc.History, func(h ScoreSample) bool { return h.SourceKey == sourceKey }) {
		s.log.Debug("score already recorded", logx.String("owner", owner), logx.String("source_key", sourceKey))
		b.Peak = sc.Peak
		return b, nil
	}

	total := math.Round(b.Total*10) / 10
	sc.Current = total
	sc.Peak = math.Max(sc.Peak, total)
	sc.History = append(sc.History, ScoreSample{Date: today, Score: total, Reason: reason, SourceKey: sourceKey})
	if len(sc.History) > s.historySize {
		sc.History = sc.History[len(sc.History)-s.historySize:]
	}
	sc.UpdatedAt = s.clock.now()
	if err := s.scores.SaveScore(ctx, sc); err != nil {
		return Breakdown{}, fmt.Errorf("save score: %w", err)
	}
	b.Peak = sc.Peak

	s.log.Info("score updated",
		logx.String("owner", owner),
		logx.Float64("score", total),
		logx.Float64("peak", sc.Peak),
		logx.Float64("completion", b.Completion),
		logx.Float64("streak", b.Streak),
		logx.Float64("progression", b.Progression),
		logx.Float64("excuse_grace", b.ExcuseGrace),
		logx.Float64("trend", b.Trend),
		logx.String("reason", reason),
	)
	publish(s.bus, eventbus.ScoreUpdated, eventbus.GoalEvent{Owner: owner, Detail: reason, Value: total})
	return b, nil
}

// Get returns the stored score. An owner without history starts at the base.
func (s *Scorer) Get(ctx context.Context, owner string) (Score, error) {
	sc, err := s.scores.GetScore(ctx, owner)
	if apperr.IsNotFound(err) {
		return Score{OwnerID: owner, Current: scoreBase, Peak: scoreBase}, nil
	}
	return sc, err
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
