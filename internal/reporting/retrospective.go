// Package reporting builds operator-facing settlement summaries from payment
// attempt history.
package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

// AttemptRecord pairs an attempt with the order total it tried to collect.
type AttemptRecord struct {
	Attempt *domain.PaymentAttempt
	Total   decimal.Decimal
}

// SettlementReport summarizes collection activity over a set of attempts.
type SettlementReport struct {
	TotalAttempts    int                          `json:"total_attempts"`
	Succeeded        int                          `json:"succeeded"`
	Failed           int                          `json:"failed"`
	Expired          int                          `json:"expired"`
	StillOpen        int                          `json:"still_open"`
	AmountSettled    decimal.Decimal              `json:"amount_settled"`
	AttemptsByRail   map[domain.PaymentMethod]int `json:"attempts_by_rail"`
	FailuresByReason map[string]int               `json:"failures_by_reason"`
	DateFrom         time.Time                    `json:"date_from"`
	DateTo           time.Time                    `json:"date_to"`
}

// Reporter aggregates attempt records into settlement reports.
type Reporter struct{}

func NewReporter() *Reporter { return &Reporter{} }

// Generate folds the records into a report. Records are not assumed sorted.
func (r *Reporter) Generate(records []AttemptRecord) *SettlementReport {
	report := &SettlementReport{
		AmountSettled:    decimal.Zero,
		AttemptsByRail:   make(map[domain.PaymentMethod]int),
		FailuresByReason: make(map[string]int),
	}
	for _, rec := range records {
		a := rec.Attempt
		report.TotalAttempts++
		report.AttemptsByRail[a.Rail]++

		switch a.Status {
		case domain.AttemptSucceeded:
			report.Succeeded++
			report.AmountSettled = report.AmountSettled.Add(rec.Total)
		case domain.AttemptFailed:
			report.Failed++
			reason := a.FailureReason
			if reason == "" {
				reason = "unspecified"
			}
			report.FailuresByReason[reason]++
		case domain.AttemptExpired:
			report.Expired++
		default:
			report.StillOpen++
		}

		if report.DateFrom.IsZero() || a.CreatedAt.Before(report.DateFrom) {
			report.DateFrom = a.CreatedAt
		}
		if a.CreatedAt.After(report.DateTo) {
			report.DateTo = a.CreatedAt
		}
	}
	return report
}
