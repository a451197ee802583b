package session

// Notifier receives user-facing notices from the controller. The controller
// never blocks on it; implementations should return quickly.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Info(string)    {}
func (nopNotifier) Success(string) {}
func (nopNotifier) Error(string)   {}

// NopNotifier discards all notices.
var NopNotifier Notifier = nopNotifier{}
