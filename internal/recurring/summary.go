package recurring

import (
	"sort"
	"strings"
	"time"

	"trust-service/internal/model"
	"trust-service/internal/util"
)

const topRecipients = 5

type RecipientTotal struct {
	Recipient string  `json:"recipient"`
	Total     float64 `json:"total"`
	Count     int     `json:"count"`
	Share     float64 `json:"share_pct"`
}

type MonthTotal struct {
	Month string  `json:"month"`
	Total float64 `json:"total"`
	Count int     `json:"count"`
}

type SpendingSummary struct {
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	Total         float64          `json:"total"`
	Count         int              `json:"count"`
	Average       float64          `json:"average"`
	TopRecipients []RecipientTotal `json:"top_recipients"`
	Monthly       []MonthTotal     `json:"monthly"`
}

type MonthlyReport struct {
	Year          int              `json:"year"`
	Month         time.Month       `json:"month"`
	MonthName     string           `json:"month_name"`
	Total         float64          `json:"total"`
	Count         int              `json:"count"`
	Average       float64          `json:"average"`
	TopRecipients []RecipientTotal `json:"top_recipients"`
	WeeklyAverage float64          `json:"weekly_average"`
}

// Summarize totals outgoing payments in [from, to).
func Summarize(txns []model.Transaction, from, to time.Time) SpendingSummary {
	in := between(txns, from, to)
	sum := SpendingSummary{From: from, To: to, Count: len(in)}

	months := make(map[string]*MonthTotal)
	for _, t := range in {
		sum.Total += t.Amount
		k := t.Timestamp.UTC().Format("2006-01")
		m, ok := months[k]
		if !ok {
			m = &MonthTotal{Month: k}
			months[k] = m
		}
		m.Total += t.Amount
		m.Count++
	}
	if sum.Count > 0 {
		sum.Average = sum.Total / float64(sum.Count)
	}
	sum.TopRecipients = rankRecipients(in, sum.Total)

	keys := make([]string, 0, len(months))
	for k := range months {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sum.Monthly = make([]MonthTotal, 0, len(keys))
	for _, k := range keys {
		sum.Monthly = append(sum.Monthly, *months[k])
	}
	return sum
}

// MonthlySummary reports one calendar month (UTC). The weekly average is
// taken over ISO weeks that had any spending.
func MonthlySummary(txns []model.Transaction, year int, month time.Month) MonthlyReport {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	in := between(txns, from, from.AddDate(0, 1, 0))

	r := MonthlyReport{Year: year, Month: month, MonthName: month.String(), Count: len(in)}
	weeks := make(map[int]struct{})
	for _, t := range in {
		r.Total += t.Amount
		_, w := t.Timestamp.UTC().ISOWeek()
		weeks[w] = struct{}{}
	}
	if r.Count > 0 {
		r.Average = r.Total / float64(r.Count)
		r.WeeklyAverage = r.Total / float64(len(weeks))
	}
	r.TopRecipients = rankRecipients(in, r.Total)
	return r
}

func between(txns []model.Transaction, from, to time.Time) []model.Transaction {
	var out []model.Transaction
	for _, t := range txns {
		if t.Amount <= 0 || t.Timestamp.Before(from) || !t.Timestamp.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func rankRecipients(txns []model.Transaction, total float64) []RecipientTotal {
	byKey := make(map[string]*RecipientTotal)
	for _, t := range txns {
		k := util.NormalizeRecipient(t.Recipient)
		r, ok := byKey[k]
		if !ok {
			r = &RecipientTotal{Recipient: strings.TrimSpace(t.Recipient)}
			byKey[k] = r
		}
		r.Total += t.Amount
		r.Count++
	}

	out := make([]RecipientTotal, 0, len(byKey))
	for _, r := range byKey {
		if total > 0 {
			r.Share = r.Total / total * 100
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Recipient < out[j].Recipient
	})
	if len(out) > topRecipients {
		out = out[:topRecipients]
	}
	return out
}
