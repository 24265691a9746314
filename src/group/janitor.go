package group

import (
	"context"
	"time"

	"github.com/voiceping/router/src/keys"
)

// scanPageSize bounds a single SCAN round trip; cfg.CleanGroupsAmount
// caps how many groups one cycle touches.
const scanPageSize = 1000

// RunJanitor owns the periodic group maintenance: orphaned state removal
// on the clean interval, and speaker-lock inspection on the inspect
// interval. Only the designated janitor instance runs this; it returns
// when ctx is cancelled.
func (s *State) RunJanitor(ctx context.Context) {
	clean := time.NewTicker(s.cfg.CleanEvery)
	defer clean.Stop()
	inspect := time.NewTicker(s.cfg.InspectEvery)
	defer inspect.Stop()

	s.logger.Info().
		Dur("clean_every", s.cfg.CleanEvery).
		Dur("inspect_every", s.cfg.InspectEvery).
		Int64("groups_per_cycle", s.cfg.CleanGroupsAmount).
		Msg("janitor started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("janitor stopped")
			return
		case <-clean.C:
			s.sweepOrphans(ctx)
		case <-inspect.C:
			s.inspectLocks(ctx)
		}
	}
}

// sweepOrphans walks group keys in one bounded pass and removes speaker
// locks whose group no longer has members. Member sets self-delete when
// emptied, so locks are the state that can outlive a group.
func (s *State) sweepOrphans(ctx context.Context) {
	touched := int64(0)
	removed := 0
	var cursor uint64

	for touched < s.cfg.CleanGroupsAmount {
		page, next, err := s.store.Scan(ctx, cursor, keys.GroupPattern(), scanPageSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("janitor scan failed")
			return
		}
		for _, key := range page {
			if touched >= s.cfg.CleanGroupsAmount {
				break
			}
			groupID, ok := keys.GroupFromCurrent(key)
			if !ok {
				continue
			}
			touched++
			members, err := s.store.SCard(ctx, keys.GroupMembers(groupID))
			if err != nil {
				s.logger.Error().Err(err).Str("group", groupID).Msg("janitor cardinality check failed")
				continue
			}
			if members == 0 {
				if err := s.ClearCurrentSpeaker(ctx, groupID); err == nil {
					removed++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int64("touched", touched).Msg("janitor removed orphan locks")
	} else {
		s.logger.Debug().Int64("touched", touched).Msg("janitor pass clean")
	}
}

// inspectLocks clears speaker locks whose holder is no longer online.
// Disconnect normally clears these, but an instance that dies mid-turn
// leaves its speakers locked until TTL; presence expires first.
func (s *State) inspectLocks(ctx context.Context) {
	touched := int64(0)
	var cursor uint64

	for touched < s.cfg.CleanGroupsAmount {
		page, next, err := s.store.Scan(ctx, cursor, keys.GroupCurrent("*"), scanPageSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("lock inspect scan failed")
			return
		}
		for _, key := range page {
			if touched >= s.cfg.CleanGroupsAmount {
				break
			}
			groupID, ok := keys.GroupFromCurrent(key)
			if !ok {
				continue
			}
			touched++
			speaker, held, err := s.CurrentSpeaker(ctx, groupID)
			if err != nil || !held {
				continue
			}
			online, err := s.store.Exists(ctx, keys.Presence(speaker.FromID))
			if err != nil {
				continue
			}
			if !online {
				if err := s.ClearCurrentSpeaker(ctx, groupID); err == nil {
					s.logger.Info().Str("group", groupID).Str("speaker", speaker.FromID).
						Msg("cleared lock held by offline speaker")
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}
