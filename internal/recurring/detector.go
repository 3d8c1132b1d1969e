// Package recurring mines a ledger for periodic payments to the same payee
// and summarises spending. Everything here is pure and deterministic.
package recurring

import (
	"math"
	"sort"
	"strings"
	"time"

	"trust-service/internal/model"
	"trust-service/internal/util"
)

const day = 24 * time.Hour

// Reasons a candidate group was dropped.
const (
	ReasonInsufficientOccurrences = "insufficient_occurrences"
	ReasonUnclassifiable          = "unclassifiable"
	ReasonLowConfidence           = "low_confidence"
)

// intervalSlack is the fraction of the expected interval an observed
// interval may deviate by and still count as on schedule.
const intervalSlack = 0.20

type Options struct {
	WindowDays     int
	TolerancePct   float64
	MinConfidence  float64
	MinOccurrences int
	// AsOf anchors the window. Zero means the latest transaction's time.
	AsOf time.Time
}

func DefaultOptions() Options {
	return Options{
		WindowDays:     90,
		TolerancePct:   0.10,
		MinConfidence:  0.6,
		MinOccurrences: 3,
	}
}

// Discarded is a candidate group that did not become a pattern.
type Discarded struct {
	Recipient   string          `json:"recipient"`
	Amount      float64         `json:"amount"`
	Occurrences int             `json:"occurrences"`
	Frequency   model.Frequency `json:"frequency,omitempty"`
	MedianDays  float64         `json:"median_interval_days,omitempty"`
	Confidence  float64         `json:"confidence,omitempty"`
	Reason      string          `json:"reason"`
}

type Report struct {
	WindowStart time.Time                `json:"window_start"`
	AsOf        time.Time                `json:"as_of"`
	Considered  int                      `json:"considered"`
	Patterns    []model.RecurringPattern `json:"patterns"`
	Discarded   []Discarded              `json:"discarded"`
}

// Detect returns the recurring patterns in txns, ordered by next predicted
// date and then recipient.
func Detect(txns []model.Transaction, opts Options) []model.RecurringPattern {
	return Analyze(txns, opts).Patterns
}

// Analyze runs detection and also reports every group that was filtered out.
func Analyze(txns []model.Transaction, opts Options) Report {
	opts = withDefaults(opts)

	asOf := opts.AsOf
	if asOf.IsZero() {
		for _, t := range txns {
			if t.Timestamp.After(asOf) {
				asOf = t.Timestamp
			}
		}
	}
	start := asOf.Add(-time.Duration(opts.WindowDays) * day)

	byRecipient := make(map[string][]model.Transaction)
	considered := 0
	for _, t := range txns {
		if t.Amount <= 0 || math.IsNaN(t.Amount) || t.Timestamp.Before(start) || t.Timestamp.After(asOf) {
			continue
		}
		key := util.NormalizeRecipient(t.Recipient)
		if key == "" {
			continue
		}
		byRecipient[key] = append(byRecipient[key], t)
		considered++
	}

	report := Report{WindowStart: start, AsOf: asOf, Considered: considered}
	for _, key := range sortedKeys(byRecipient) {
		for _, group := range clusterByAmount(byRecipient[key], opts.TolerancePct) {
			p, d, ok := evaluate(group, opts)
			if ok {
				report.Patterns = append(report.Patterns, p)
			} else {
				report.Discarded = append(report.Discarded, d)
			}
		}
	}

	sort.SliceStable(report.Patterns, func(i, j int) bool {
		a, b := report.Patterns[i], report.Patterns[j]
		if !a.NextPredicted.Equal(b.NextPredicted) {
			return a.NextPredicted.Before(b.NextPredicted)
		}
		if a.Recipient != b.Recipient {
			return a.Recipient < b.Recipient
		}
		return a.Amount < b.Amount
	})
	return report
}

// clusterByAmount splits one payee's transactions into amount bands. Bands
// are anchored at the smallest remaining amount and reach up to
// anchor*(1+tol). Each band is returned oldest first.
func clusterByAmount(txns []model.Transaction, tol float64) [][]model.Transaction {
	sorted := append([]model.Transaction(nil), txns...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount < sorted[j].Amount
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var groups [][]model.Transaction
	for i := 0; i < len(sorted); {
		limit := sorted[i].Amount * (1 + tol)
		j := i
		for j < len(sorted) && sorted[j].Amount <= limit {
			j++
		}
		g := append([]model.Transaction(nil), sorted[i:j]...)
		sort.SliceStable(g, func(a, b int) bool { return g[a].Timestamp.Before(g[b].Timestamp) })
		groups = append(groups, g)
		i = j
	}
	return groups
}

func evaluate(g []model.Transaction, opts Options) (model.RecurringPattern, Discarded, bool) {
	amounts := make([]float64, len(g))
	for i, t := range g {
		amounts[i] = t.Amount
	}
	rep := median(amounts)
	last := g[len(g)-1]
	d := Discarded{
		Recipient:   strings.TrimSpace(last.Recipient),
		Amount:      rep,
		Occurrences: len(g),
	}

	if len(g) < opts.MinOccurrences {
		d.Reason = ReasonInsufficientOccurrences
		return model.RecurringPattern{}, d, false
	}

	intervals := make([]float64, 0, len(g)-1)
	for i := 1; i < len(g); i++ {
		intervals = append(intervals, g[i].Timestamp.Sub(g[i-1].Timestamp).Hours()/24)
	}
	med := median(intervals)
	d.MedianDays = med

	freq := classify(med)
	d.Frequency = freq
	if freq == model.FrequencyUnclassified {
		d.Reason = ReasonUnclassifiable
		return model.RecurringPattern{}, d, false
	}

	expected := float64(freq.ExpectedDays())
	onSchedule := 0
	for _, iv := range intervals {
		if math.Abs(iv-expected) <= expected*intervalSlack {
			onSchedule++
		}
	}
	confidence := float64(onSchedule) / float64(len(intervals))
	d.Confidence = confidence
	if confidence < opts.MinConfidence {
		d.Reason = ReasonLowConfidence
		return model.RecurringPattern{}, d, false
	}

	return model.RecurringPattern{
		Recipient:       d.Recipient,
		Amount:          rep,
		AmountLow:       rep * (1 - opts.TolerancePct),
		AmountHigh:      rep * (1 + opts.TolerancePct),
		Frequency:       freq,
		Occurrences:     len(g),
		FirstOccurrence: g[0].Timestamp,
		LastOccurrence:  last.Timestamp,
		NextPredicted:   last.Timestamp.AddDate(0, 0, freq.ExpectedDays()),
		Confidence:      confidence,
	}, d, true
}

func classify(medianDays float64) model.Frequency {
	switch {
	case medianDays <= 2:
		return model.FrequencyDaily
	case medianDays >= 5 && medianDays <= 9:
		return model.FrequencyWeekly
	case medianDays >= 25 && medianDays <= 35:
		return model.FrequencyMonthly
	}
	return model.FrequencyUnclassified
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func withDefaults(o Options) Options {
	def := DefaultOptions()
	if o.WindowDays <= 0 {
		o.WindowDays = def.WindowDays
	}
	if o.TolerancePct <= 0 {
		o.TolerancePct = def.TolerancePct
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = def.MinConfidence
	}
	if o.MinOccurrences < def.MinOccurrences {
		o.MinOccurrences = def.MinOccurrences
	}
	return o
}

func sortedKeys(m map[string][]model.Transaction) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
