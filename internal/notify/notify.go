// Package notify tells the user about finished batches and runtime failures
// outside the terminal: desktop popups and Slack.
package notify

import (
	"context"
	"errors"
)

// Severity grades a notification
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Field is a labelled value shown next to the message, such as a batch count
type Field struct {
	Name  string
	Value string
}

// Notification is one message for the user
type Notification struct {
	Title    string
	Message  string
	Severity Severity
	BatchID  string
	CellID   string
	Fields   []Field
}

// Subject names the batch or cell the notification is about, if any
func (n Notification) Subject() string {
	switch {
	case n.BatchID != "":
		return "batch " + n.BatchID
	case n.CellID != "":
		return "cell " + n.CellID
	default:
		return ""
	}
}

// Notifier delivers notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Multi delivers to every notifier, even when some fail
type Multi []Notifier

// Send joins the errors of all failed deliveries
func (m Multi) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification
type Discard struct{}

func (Discard) Send(context.Context, Notification) error { return nil }
