package jobs

import (
	"context"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/meridian-erp/meridian-erp/internal/refold"
)

// Alerter raises operator alerts for batch outcomes.
type Alerter interface {
	CriticalFailure(ctx context.Context, result refold.BatchResult) error
	PartialFailure(ctx context.Context, result refold.BatchResult) error
}

// EmailEnqueuer queues one mail delivery. *Client satisfies it.
type EmailEnqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error)
}

// EmailAlerter formats batch outcomes into operator mail and enqueues the
// delivery, so alerting never blocks on the SMTP relay.
type EmailAlerter struct {
	enqueuer EmailEnqueuer
	to       string
	printer  *message.Printer
}

// NewEmailAlerter constructs an alerter addressed to the operations mailbox.
func NewEmailAlerter(enqueuer EmailEnqueuer, to string) *EmailAlerter {
	return &EmailAlerter{enqueuer: enqueuer, to: to, printer: message.NewPrinter(language.English)}
}

// CriticalFailure reports an aborted run.
func (a *EmailAlerter) CriticalFailure(ctx context.Context, result refold.BatchResult) error {
	if a == nil || a.enqueuer == nil || a.to == "" {
		return nil
	}
	var body strings.Builder
	body.WriteString("The nightly refold batch aborted before completing.\n\n")
	a.printer.Fprintf(&body, "Error: %s\n", result.CriticalError)
	a.writeSummary(&body, result)
	_, err := a.enqueuer.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      a.to,
		Subject: "[meridian] CRITICAL: nightly refold aborted",
		Body:    body.String(),
	})
	return err
}

// PartialFailure reports isolated per-entity errors from an otherwise
// successful run.
func (a *EmailAlerter) PartialFailure(ctx context.Context, result refold.BatchResult) error {
	if a == nil || a.enqueuer == nil || a.to == "" {
		return nil
	}
	errs := result.Errors()
	var body strings.Builder
	a.printer.Fprintf(&body, "The nightly refold batch finished with %d isolated failure(s).\n\n", len(errs))
	for _, e := range errs {
		if e.Period.IsZero() {
			a.printer.Fprintf(&body, "- [%s] entity %d branch %d: %s\n",
				e.Book, e.Pair.EntityID, e.Pair.BranchID, e.Message)
			continue
		}
		a.printer.Fprintf(&body, "- [%s] entity %d branch %d period %s: %s\n",
			e.Book, e.Pair.EntityID, e.Pair.BranchID, e.Period, e.Message)
	}
	body.WriteString("\n")
	a.writeSummary(&body, result)
	_, err := a.enqueuer.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      a.to,
		Subject: a.printer.Sprintf("[meridian] refold finished with %d pair failure(s)", len(errs)),
		Body:    body.String(),
	})
	return err
}

func (a *EmailAlerter) writeSummary(w *strings.Builder, result refold.BatchResult) {
	a.printer.Fprintf(w, "Pairs processed: %d\n", result.PairsProcessed())
	a.printer.Fprintf(w, "Periods refolded: %d\n", result.PeriodsRefolded())
	a.printer.Fprintf(w, "Adjustments consumed: %d\n", result.AdjustmentsConsumed)
	a.printer.Fprintf(w, "Duration: %s\n", result.FinishedAt.Sub(result.StartedAt))
}
