package graph

import "example.com/timelinesync/internal/models"

// Subscribe streams the entries of one feed, newest first. The current
// contents are delivered immediately; afterwards every committed unit of work
// that touches the feed delivers a fresh snapshot. Slow receivers only see the
// latest snapshot. cancel must be called to release the subscription.
func (s *Store) Subscribe(key models.FeedKey) (<-chan []models.FeedEntry, func()) {
	ch := make(chan []models.FeedEntry, 1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]chan []models.FeedEntry)
	}
	s.subs[key][id] = ch
	ch <- s.Entries(key, 0)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if subs, ok := s.subs[key]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(s.subs, key)
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(touched map[models.FeedKey]struct{}) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for key := range touched {
		subs := s.subs[key]
		if len(subs) == 0 {
			continue
		}
		snapshot := s.Entries(key, 0)
		for _, ch := range subs {
			publish(ch, snapshot)
		}
	}
}

// publish replaces any undelivered snapshot with the newest one.
func publish(ch chan []models.FeedEntry, snapshot []models.FeedEntry) {
	select {
	case ch <- snapshot:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snapshot:
	default:
	}
}
