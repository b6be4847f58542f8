package relationship

import (
	"context"
	"slices"
)

// RecordEvidence stores a weird interaction for id and tells every
// other contact at or above GossipFanoutScore about it. Each target is
// updated under its own lock, one at a time.
func (s *Store) RecordEvidence(ctx context.Context, id, keyword string, ref MessageRef) WeirdInteraction {
	item := WeirdInteraction{
		ID:      newInteractionID(),
		Message: ref,
		Keyword: keyword,
		At:      s.now(),
	}
	owner, _, _ := s.mutate(id, "", func(r *Record) error {
		r.WeirdInteractions = append(r.WeirdInteractions, item)
		return nil
	})
	s.logger.Info("gossip evidence recorded", "contact", id, "keyword", keyword, "interaction", item.ID)

	gossip := GossipItem{
		AboutContactID: id,
		AboutName:      owner.Name(),
		InteractionID:  item.ID,
		Message:        ref.Text,
		At:             item.At,
	}
	told := 0
	for _, target := range s.ContactIDs() {
		if target == id {
			continue
		}
		snap, ok := s.Get(target)
		if !ok || snap.Score < GossipFanoutScore {
			continue
		}
		_, _, _ = s.mutate(target, "", func(r *Record) error {
			if r.AddGossip(gossip) {
				told++
			}
			return nil
		})
	}
	if told > 0 {
		s.logger.Debug("gossip fanned out", "about", id, "targets", told)
	}

	s.persist(ctx)
	return item
}

// FindUnsharedGossip returns the first weird interaction, owned by any
// contact other than forID, that forID has not received yet. Contacts
// are scanned in ContactIDs order and items in insertion order.
func (s *Store) FindUnsharedGossip(forID string) (ownerID string, item WeirdInteraction, ok bool) {
	for _, r := range s.Records() {
		if r.ID == forID {
			continue
		}
		for _, w := range r.WeirdInteractions {
			if !w.SharedWithContact(forID) {
				return r.ID, w, true
			}
		}
	}
	return "", WeirdInteraction{}, false
}

// MarkGossipShared adds withID to the SharedWith set of ownerID's
// interaction. It reports false when the item is missing, withID owns
// it, or withID was already in the set.
func (s *Store) MarkGossipShared(ctx context.Context, ownerID, interactionID, withID string) bool {
	if ownerID == withID {
		return false
	}
	if _, ok := s.Get(ownerID); !ok {
		return false
	}
	added := false
	_, _, _ = s.mutate(ownerID, "", func(r *Record) error {
		i := slices.IndexFunc(r.WeirdInteractions, func(w WeirdInteraction) bool {
			return w.ID == interactionID
		})
		if i < 0 || r.WeirdInteractions[i].SharedWithContact(withID) {
			return nil
		}
		r.WeirdInteractions[i].SharedWith = append(r.WeirdInteractions[i].SharedWith, withID)
		added = true
		return nil
	})
	if added {
		s.persist(ctx)
	}
	return added
}

// ClaimReceivedGossip marks id's first unshared received gossip item as
// shared and returns it. The mark happens on claim, before any
// delivery is attempted.
func (s *Store) ClaimReceivedGossip(ctx context.Context, id string) (GossipItem, bool) {
	if _, ok := s.Get(id); !ok {
		return GossipItem{}, false
	}
	var (
		item    GossipItem
		claimed bool
	)
	_, _, _ = s.mutate(id, "", func(r *Record) error {
		i := r.NextUnsharedGossip()
		if i < 0 {
			return nil
		}
		r.GossipReceived[i].Shared = true
		item = r.GossipReceived[i]
		claimed = true
		return nil
	})
	if claimed {
		s.persist(ctx)
	}
	return item, claimed
}
