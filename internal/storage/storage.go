package storage

// Sink persists swap-lifecycle envelopes. Emission is best-effort: sinks log
// failures and never propagate them into the event path.
type Sink interface {
	Emit(event string, payload interface{})
	Close()
}

// Multi fans an envelope out to several sinks.
type Multi []Sink

// Emit forwards to every sink.
func (m Multi) Emit(event string, payload interface{}) {
	for _, sink := range m {
		sink.Emit(event, payload)
	}
}

// Close closes every sink.
func (m Multi) Close() {
	for _, sink := range m {
		sink.Close()
	}
}
