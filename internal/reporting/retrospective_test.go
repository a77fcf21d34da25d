package reporting_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/reporting"
)

func record(rail domain.PaymentMethod, status domain.AttemptStatus, reason string, total int64, at time.Time) reporting.AttemptRecord {
	return reporting.AttemptRecord{
		Attempt: &domain.PaymentAttempt{
			Rail:          rail,
			Status:        status,
			FailureReason: reason,
			CreatedAt:     at,
		},
		Total: decimal.NewFromInt(total),
	}
}

func TestGenerate(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 8, d, 12, 0, 0, 0, time.UTC) }

	records := []reporting.AttemptRecord{
		record(domain.MethodPushPayment, domain.AttemptSucceeded, "", 150, day(3)),
		record(domain.MethodPushPayment, domain.AttemptFailed, "cancelled by customer", 150, day(1)),
		record(domain.MethodPushPayment, domain.AttemptFailed, "cancelled by customer", 80, day(2)),
		record(domain.MethodRedirectWallet, domain.AttemptSucceeded, "", 51, day(4)),
		record(domain.MethodRedirectWallet, domain.AttemptFailed, "", 51, day(2)),
		record(domain.MethodCardIntent, domain.AttemptExpired, "", 200, day(5)),
		record(domain.MethodCardIntent, domain.AttemptAwaitingConfirmation, "", 99, day(6)),
	}

	report := reporting.NewReporter().Generate(records)

	assert.Equal(t, 7, report.TotalAttempts)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.StillOpen)
	assert.True(t, report.AmountSettled.Equal(decimal.NewFromInt(201)), "only settled attempts contribute, got %s", report.AmountSettled)

	assert.Equal(t, 3, report.AttemptsByRail[domain.MethodPushPayment])
	assert.Equal(t, 2, report.AttemptsByRail[domain.MethodRedirectWallet])
	assert.Equal(t, 2, report.AttemptsByRail[domain.MethodCardIntent])

	assert.Equal(t, 2, report.FailuresByReason["cancelled by customer"])
	assert.Equal(t, 1, report.FailuresByReason["unspecified"])

	assert.Equal(t, day(1), report.DateFrom)
	assert.Equal(t, day(6), report.DateTo)
}

func TestGenerateEmpty(t *testing.T) {
	report := reporting.NewReporter().Generate(nil)
	assert.Zero(t, report.TotalAttempts)
	assert.True(t, report.AmountSettled.IsZero())
	assert.True(t, report.DateFrom.IsZero())
	assert.Empty(t, report.FailuresByReason)
}
