package contract_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-engine/contract"
)

func TestDate_AddMonths_ClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		name string
		from contract.Date
		n    int
		want contract.Date
	}{
		{"jan31 to feb (non-leap)", contract.NewDate(2025, time.January, 31), 1, contract.NewDate(2025, time.February, 28)},
		{"jan31 to feb (leap)", contract.NewDate(2024, time.January, 31), 1, contract.NewDate(2024, time.February, 29)},
		{"mid month", contract.NewDate(2025, time.March, 15), 1, contract.NewDate(2025, time.April, 15)},
		{"year wrap", contract.NewDate(2025, time.December, 31), 2, contract.NewDate(2026, time.February, 28)},
		{"twelve months", contract.NewDate(2025, time.May, 31), 12, contract.NewDate(2026, time.May, 31)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.AddMonths(tt.n))
		})
	}
}

func TestDate_JSONRoundTrip(t *testing.T) {
	d := contract.NewDate(2025, time.March, 10)
	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2025-03-10"`, string(b))

	var back contract.Date
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, d.Equal(back))
}

func TestParseDate_Invalid(t *testing.T) {
	_, err := contract.ParseDate("10/03/2025")
	assert.ErrorIs(t, err, contract.ErrValidation)
}

func TestDaysBetween(t *testing.T) {
	a := contract.NewDate(2025, time.January, 1)
	assert.Equal(t, 30, contract.DaysBetween(a, a.AddDays(30)))
	assert.Equal(t, -5, contract.DaysBetween(a, a.AddDays(-5)))
}

func TestDateOf_UsesLocalCalendarDay(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*3600)
	ts := time.Date(2025, time.January, 1, 23, 30, 0, 0, time.UTC).In(bangkok)
	assert.Equal(t, contract.NewDate(2025, time.January, 2), contract.DateOf(ts))
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "103.00", contract.Money(10300).String())
	assert.Equal(t, "-0.05", contract.Money(-5).String())
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []contract.Status{contract.StatusCompleted, contract.StatusRedeemed, contract.StatusForfeited, contract.StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []contract.Status{contract.StatusPendingApproval, contract.StatusActive, contract.StatusOverdue, contract.StatusDefaulted} {
		assert.False(t, s.IsTerminal(), s)
	}
}
