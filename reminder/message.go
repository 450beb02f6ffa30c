package reminder

import (
	"fmt"
	"strings"

	"github.com/warp/contract-engine/contract"
)

// Render fills Subject and Body from the reminder's facts.
func Render(r Reminder) Reminder {
	what := "installment payment"
	if r.Kind == contract.KindPawn {
		what = "pawn interest payment"
	}

	switch r.Type {
	case contract.ReminderOverdue:
		r.Subject = fmt.Sprintf("Overdue %s - %s", what, r.ContractNo)
	case contract.ReminderDueToday:
		r.Subject = fmt.Sprintf("%s due today - %s", capitalize(what), r.ContractNo)
	default:
		r.Subject = fmt.Sprintf("Upcoming %s - %s", what, r.ContractNo)
	}

	var b strings.Builder
	b.WriteString("Dear customer,\n\n")
	switch r.Type {
	case contract.ReminderOverdue:
		fmt.Fprintf(&b, "Your %s of %s for contract %s was due on %s and is now %d day(s) overdue.\n",
			what, r.Amount, r.ContractNo, r.DueDate, -r.DaysUntil)
		b.WriteString("Please make the payment as soon as possible.\n")
	case contract.ReminderDueToday:
		fmt.Fprintf(&b, "Your %s of %s for contract %s is due today (%s).\n",
			what, r.Amount, r.ContractNo, r.DueDate)
	default:
		fmt.Fprintf(&b, "This is a reminder that your %s of %s for contract %s is due on %s (in %d day(s)).\n",
			what, r.Amount, r.ContractNo, r.DueDate, r.DaysUntil)
	}
	if r.Kind == contract.KindPawn {
		b.WriteString("Paying the monthly interest extends the loan by one month. ")
		b.WriteString("Items not redeemed or extended may be forfeited.\n")
	}
	b.WriteString("\nIf you have already paid, please upload your transfer slip and ignore this message.\n")
	b.WriteString("\nBest regards,\nContracts team")
	r.Body = b.String()
	return r
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// classify buckets a due date relative to today.
func classify(today, due contract.Date) (contract.ReminderType, int) {
	days := contract.DaysBetween(today, due)
	switch {
	case days > 0:
		return contract.ReminderUpcoming, days
	case days == 0:
		return contract.ReminderDueToday, 0
	default:
		return contract.ReminderOverdue, days
	}
}
