package alerting

import (
	"context"
	"time"

	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
)

// heatWaveLookbackDays bounds how far back ConsecutiveDaysAbove looks.
const heatWaveLookbackDays = 31

// StoreContext answers every context lookup from stored readings and records
// measurements into the store. Calendar days are taken in loc.
type StoreContext struct {
	repo repository.ReadingRepository
	loc  *time.Location
}

// NewStoreContext creates a StoreContext. A nil loc uses UTC.
func NewStoreContext(repo repository.ReadingRepository, loc *time.Location) *StoreContext {
	if loc == nil {
		loc = time.UTC
	}
	return &StoreContext{repo: repo, loc: loc}
}

// Record stores the measurement as a reading.
func (s *StoreContext) Record(ctx context.Context, m *Measurement) error {
	return s.repo.Save(ctx, &entities.Reading{
		SensorID:   m.SensorID,
		Variable:   m.Variable,
		MeasuredAt: m.Timestamp,
		Value:      m.ValuePtr(),
		BadRead:    m.Flag(MetaBadRead),
	})
}

// Stats implements StatsProvider.
func (s *StoreContext) Stats(ctx context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error) {
	rs, err := s.repo.Stats(ctx, variable, asOf.Add(-window), asOf)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Count: rs.Count, Mean: rs.Mean, SD: rs.SD}, nil
}

// DailyAccumulation implements DailyAccumulationProvider. day may be any
// instant within the calendar day.
func (s *StoreContext) DailyAccumulation(ctx context.Context, sensorID, variable string, day time.Time) (float64, error) {
	start := s.dayStart(day)
	return s.repo.Sum(ctx, sensorID, variable, start, start.AddDate(0, 0, 1))
}

// ConsecutiveDaysAbove implements ConsecutiveDaysAboveProvider: the number of
// consecutive calendar days, ending with the day of asOf, on which the
// sensor's maximum reached minValue.
func (s *StoreContext) ConsecutiveDaysAbove(ctx context.Context, sensorID, variable string, minValue float64, asOf time.Time) (int, error) {
	today := s.dayStart(asOf)
	times, err := s.repo.DaysAbove(ctx, sensorID, variable, minValue,
		today.AddDate(0, 0, -heatWaveLookbackDays), today.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	return consecutiveDays(times, today, s.loc), nil
}

// RecentErrorCount implements RecentErrorCountProvider.
func (s *StoreContext) RecentErrorCount(ctx context.Context, sensorPrefix string, window time.Duration, asOf time.Time) (int, error) {
	n, err := s.repo.CountBadReads(ctx, sensorPrefix, asOf.Add(-window), asOf)
	return int(n), err
}

// Prune deletes readings older than before.
func (s *StoreContext) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, before)
}

func (s *StoreContext) dayStart(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

// consecutiveDays counts the unbroken run of calendar days in times ending
// with today.
func consecutiveDays(times []time.Time, today time.Time, loc *time.Location) int {
	days := make(map[string]struct{}, len(times))
	for _, t := range times {
		days[t.In(loc).Format(time.DateOnly)] = struct{}{}
	}
	count := 0
	for d := today; ; d = d.AddDate(0, 0, -1) {
		if _, ok := days[d.Format(time.DateOnly)]; !ok {
			return count
		}
		count++
	}
}
