package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/miradorstack/mirador-watchdog/internal/models"
)

// Store abstracts persistence for mined patterns.
type Store interface {
	StorePatterns(ctx context.Context, patterns []models.FailurePattern) error
}

// Miner mines frequency-based failure patterns from alert history.
type Miner struct {
	store          Store
	minOccurrences int
	logger         *slog.Logger
}

// NewMiner constructs a Miner; store may be nil for dry runs. Patterns seen
// fewer than minOccurrences times are dropped (minimum 1).
func NewMiner(logger *slog.Logger, store Store, minOccurrences int) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	return &Miner{store: store, minOccurrences: minOccurrences, logger: logger}
}

// Mine groups alerts by service and failure type and returns the recurring
// groups ordered by prevalence.
func (m *Miner) Mine(ctx context.Context, alerts []models.WatchdogAlert) ([]models.FailurePattern, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	groups := make(map[groupKey]*aggregate)
	for _, alert := range alerts {
		agg := ensureAggregate(groups, alert.Component, alert.FailureType)
		agg.count++
		if alert.Timestamp.After(agg.lastSeen) {
			agg.lastSeen = alert.Timestamp
		}
		if res := alert.Response.Result; res != nil && res.Status == models.RemediationEscalated {
			agg.escalations++
		}
	}

	patterns := make([]models.FailurePattern, 0, len(groups))
	for key, agg := range groups {
		if agg.count < m.minOccurrences {
			continue
		}
		patterns = append(patterns, models.FailurePattern{
			ID:          "pattern-" + key.service + "-" + string(key.failureType),
			Service:     key.service,
			FailureType: key.failureType,
			Occurrences: agg.count,
			Prevalence:  float64(agg.count) / float64(len(alerts)),
			Escalations: agg.escalations,
			LastSeen:    agg.lastSeen,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		return patterns[i].ID < patterns[j].ID
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}

	return patterns, nil
}

type groupKey struct {
	service     string
	failureType models.FailureType
}

type aggregate struct {
	count       int
	escalations int
	lastSeen    time.Time
}

func ensureAggregate(m map[groupKey]*aggregate, service string, failureType models.FailureType) *aggregate {
	if service == "" {
		service = "unknown"
	}
	if failureType == "" {
		failureType = models.FailureUnknown
	}
	key := groupKey{service: service, failureType: failureType}
	agg, ok := m[key]
	if !ok {
		agg = &aggregate{}
		m[key] = agg
	}
	return agg
}
