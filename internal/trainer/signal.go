package trainer

// StopSignal is the process-wide advisory stop flag. It is cleared when
// training starts, set through Trainer.RequestStop, and read by the loop at
// each epoch boundary. The first request wins; later requests are ignored so
// the recorded epoch and reason describe the original trigger.
type StopSignal struct {
	stop   bool
	epoch  int
	reason string
}

// Set arms the signal. A no-op once armed.
func (s *StopSignal) Set(epoch int, reason string) {
	if s.stop {
		return
	}
	s.stop = true
	s.epoch = epoch
	s.reason = reason
}

// Clear resets the signal for a new run.
func (s *StopSignal) Clear() {
	*s = StopSignal{}
}

// Stopped reports whether a stop has been requested.
func (s *StopSignal) Stopped() bool { return s.stop }

// Epoch returns the epoch at which the stop was requested.
func (s *StopSignal) Epoch() int { return s.epoch }

// Reason returns the diagnostic text of the first stop request.
func (s *StopSignal) Reason() string { return s.reason }
