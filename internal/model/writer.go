package model

// RecordWriter defines a generic interface for persisting the finalized record
// sets of one analysis run.
type RecordWriter interface {
	// Name identifies the writer in logs.
	Name() string

	// Write persists the records. Implementations must not modify them.
	Write(conns []Connection, dns []DNSTransaction, alerts []Alert) error
}
