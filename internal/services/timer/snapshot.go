package timer

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	active := s.store.size()
	next, ok := s.store.earliest()
	s.mu.Unlock()

	snap := Snapshot{
		Running:      running,
		ActiveTimers: active,
		Fired:        s.fired.Load(),
		Dropped:      s.dropped.Load(),
		QueueLen:     s.exec.QueueLen(),
		Workers:      s.exec.Workers(),
	}
	if ok {
		snap.NextDeadline = next
	}
	return snap
}
