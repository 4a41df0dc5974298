package monitor

import (
	"context"
	"strconv"

	"forgewatch/internal/delegate"
	"forgewatch/internal/transport"
	logx "forgewatch/pkg/logx"
)

// ObserveIdentity records the sender of a chat message in the identity
// directory when learning is on. A known sender keeps its position; only a
// change of names is written.
func (s *Service) ObserveIdentity(ctx context.Context, from transport.Sender) {
	if from.ID == 0 {
		return
	}
	id := delegate.ChatIdentity{
		ID:        strconv.FormatInt(from.ID, 10),
		LoginName: from.Username,
		FullName:  from.FullName(),
	}
	if id.LoginName == "" && id.FullName == "" {
		return
	}

	s.mu.Lock()
	if !s.cfg.LearnIdentities {
		s.mu.Unlock()
		return
	}
	idx := -1
	for i, c := range s.learned {
		if c.ID == id.ID {
			idx = i
			break
		}
	}
	if idx >= 0 && s.learned[idx] == id {
		s.mu.Unlock()
		return
	}
	next := append([]delegate.ChatIdentity(nil), s.learned...)
	if idx >= 0 {
		next[idx] = id
	} else {
		next = append(next, id)
	}
	s.learned = next
	s.rebuildResolverLocked()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.PutIdentity(ctx, id); err != nil {
			s.log.Warn("identity not persisted", logx.String("id", id.ID), logx.Err(err))
		}
	}
	s.log.Debug("identity learned", logx.String("id", id.ID), logx.String("login", id.LoginName))
	s.publish(EventIdentity, id)
}

// Identities returns the directory in lookup order: configured entries,
// then learned ones by first sighting.
func (s *Service) Identities() []delegate.ChatIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]delegate.ChatIdentity, 0, len(s.cfg.Identities)+len(s.learned))
	out = append(out, s.cfg.Identities...)
	return append(out, s.learned...)
}
