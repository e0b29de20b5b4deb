// Package sink provides outbound forwarding of decision events to an
// external audit collector. The core never persists audit logs itself
// (that is an outbound concern); it only offers a best-effort, fire-and-forget
// path for handing decisions to whatever collects them.
package sink

// Writer writes a decision event to a destination outside the core.
type Writer interface {
	Write(event interface{}) error
	Close() error
}
