package model

// Notifier delivers a rendered run summary to people, as opposed to the alert
// sink which feeds machines.
type Notifier interface {
	Send(subject, htmlBody string) error
}
