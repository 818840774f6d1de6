package health

// Checker is implemented by components that can report whether they are
// able to serve, e.g., the queue repository pinging Redis.
type Checker interface {
	Check() error
}
