package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/contract-engine/contract"
)

func sampleReminder() Reminder {
	return Render(Reminder{
		ContractID: "c-1",
		ContractNo: "INS-20250101-ABCDEF",
		CustomerID: "cust-1",
		Contact:    "cust@example.com",
		Kind:       contract.KindInstallment,
		Type:       contract.ReminderUpcoming,
		DueDate:    contract.NewDate(2025, time.January, 31),
		DaysUntil:  3,
		Amount:     10000,
	})
}

// =============================================================================
// RENDERING
// =============================================================================

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		kind    contract.Kind
		typ     contract.ReminderType
		days    int
		subject string
		body    string
	}{
		{"upcoming installment", contract.KindInstallment, contract.ReminderUpcoming, 3, "Upcoming installment payment", "is due on 2025-01-31 (in 3 day(s))"},
		{"due today", contract.KindInstallment, contract.ReminderDueToday, 0, "Installment payment due today", "is due today (2025-01-31)"},
		{"overdue", contract.KindInstallment, contract.ReminderOverdue, -4, "Overdue installment payment", "is now 4 day(s) overdue"},
		{"pawn", contract.KindPawn, contract.ReminderUpcoming, 1, "Upcoming pawn interest payment", "extends the loan by one month"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Render(Reminder{
				ContractNo: "X-1",
				Kind:       tt.kind,
				Type:       tt.typ,
				DueDate:    contract.NewDate(2025, time.January, 31),
				DaysUntil:  tt.days,
				Amount:     10000,
			})
			assert.Contains(t, r.Subject, tt.subject)
			assert.Contains(t, r.Subject, "X-1")
			assert.Contains(t, r.Body, tt.body)
			assert.Contains(t, r.Body, "100.00")
		})
	}
}

func TestClassify(t *testing.T) {
	today := contract.NewDate(2025, time.March, 10)

	typ, days := classify(today, today.AddDays(3))
	assert.Equal(t, contract.ReminderUpcoming, typ)
	assert.Equal(t, 3, days)

	typ, days = classify(today, today)
	assert.Equal(t, contract.ReminderDueToday, typ)
	assert.Equal(t, 0, days)

	typ, days = classify(today, today.AddDays(-2))
	assert.Equal(t, contract.ReminderOverdue, typ)
	assert.Equal(t, -2, days)
}

// =============================================================================
// CHANNELS
// =============================================================================

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := &LogNotifier{Logger: logger}

	require.NoError(t, n.Notify(context.Background(), sampleReminder()))
	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, contract.ContractID("c-1"), hook.LastEntry().Data["contract_id"])
}

func TestWebhookNotifier(t *testing.T) {
	var got Reminder
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), sampleReminder()))

	assert.Equal(t, "c-1:2025-01-31", key)
	assert.Equal(t, contract.ContractID("c-1"), got.ContractID)
	assert.Equal(t, contract.Money(10000), got.Amount)
	assert.Equal(t, contract.NewDate(2025, time.January, 31), got.DueDate)
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), sampleReminder())
	assert.ErrorContains(t, err, "502")
}

func TestEmailNotifier(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "billing@example.com"})
	var sent *email.Email
	var addr string
	n.send = func(e *email.Email, a string, _ smtp.Auth) error {
		sent, addr = e, a
		return nil
	}

	r := sampleReminder()
	require.NoError(t, n.Notify(context.Background(), r))
	assert.Equal(t, "smtp.example.com:587", addr)
	assert.Equal(t, []string{"cust@example.com"}, sent.To)
	assert.Equal(t, r.Subject, sent.Subject)
	assert.Equal(t, r.Body, string(sent.Text))
}

func TestEmailNotifier_Failures(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 25})
	n.send = func(*email.Email, string, smtp.Auth) error { return errors.New("connection refused") }

	err := n.Notify(context.Background(), sampleReminder())
	assert.ErrorContains(t, err, "connection refused")

	r := sampleReminder()
	r.Contact = ""
	assert.Error(t, n.Notify(context.Background(), r))
}

func TestEmailNotifier_Timeout(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com", Port: 25})
	block := make(chan struct{})
	defer close(block)
	n.send = func(*email.Email, string, smtp.Auth) error {
		<-block
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Notify(ctx, sampleReminder()), context.DeadlineExceeded)
}

type fakePublisher struct {
	subject string
	data    []byte
	opts    int
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	p.subject, p.data, p.opts = subject, data, len(opts)
	if p.err != nil {
		return nil, p.err
	}
	return &jetstream.PubAck{Stream: "REMINDERS", Sequence: 1}, nil
}

func TestNATSNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := &NATSNotifier{Publisher: pub, Subject: "contracts.reminders"}

	require.NoError(t, n.Notify(context.Background(), sampleReminder()))
	assert.Equal(t, "contracts.reminders.upcoming", pub.subject)
	assert.Equal(t, 1, pub.opts)

	var got Reminder
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "INS-20250101-ABCDEF", got.ContractNo)

	pub.err = jetstream.ErrNoStreamResponse
	assert.ErrorIs(t, n.Notify(context.Background(), sampleReminder()), jetstream.ErrNoStreamResponse)
}
