// Package sweeper runs scheduled maintenance: physically clearing stale
// typing entries, flipping idle users offline, and trimming old message
// versions. Correctness never depends on it — readers already filter stale
// typing entries — it only keeps documents small and presence honest.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"choptso/pkg/config"
	"choptso/pkg/logger"
	"choptso/pkg/models"
	"choptso/pkg/store"
	"choptso/pkg/stream"
)

// Sweeper owns the cron loop.
type Sweeper struct {
	docs   *store.Store
	broker *stream.Broker
	cfg    config.SweeperConfig
	pres   config.PresenceConfig
	nowFn  func() time.Time
}

// New builds a sweeper. The broker may be nil; presence flips are then not
// announced.
func New(docs *store.Store, broker *stream.Broker, cfg config.SweeperConfig, pres config.PresenceConfig) *Sweeper {
	return &Sweeper{docs: docs, broker: broker, cfg: cfg, pres: pres, nowFn: time.Now}
}

// Start validates the cron expression and launches the loop. It returns an
// error for an invalid expression so misconfiguration fails at startup, not
// at first tick.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		logger.Info("sweeper_disabled")
		return nil
	}
	expr := s.cfg.Cron
	if expr == "" {
		expr = "* * * * *"
	}
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid sweeper cron expression: %q", expr)
	}
	go s.loop(ctx, expr)
	logger.Info("sweeper_started", "cron", expr, "dry_run", s.cfg.DryRun)
	return nil
}

// loop sleeps until the next cron tick rather than polling, so sweeps land
// on the exact schedule.
func (s *Sweeper) loop(ctx context.Context, expr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		next, err := gronx.NextTickAfter(expr, s.nowFn().UTC(), false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			s.RunOnce()
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}
	}
}

// RunOnce performs one full sweep. Exposed for tests and for a manual
// trigger at startup.
func (s *Sweeper) RunOnce() {
	start := s.nowFn()
	typingCleared := s.sweepTyping()
	flipped := s.sweepPresence()
	trimmed := s.sweepVersions()
	logger.Info("sweep_complete",
		"typing_cleared", typingCleared,
		"presence_flipped", flipped,
		"versions_trimmed", trimmed,
		"took", time.Since(start).String())
}

// sweepTyping removes typing entries past the staleness window from the
// stored conversation documents.
func (s *Sweeper) sweepTyping() int {
	ttl := s.pres.TypingTTL.Duration()
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	convs, err := s.docs.ListConversationsFor("")
	if err != nil {
		logger.Warn("sweep_typing_list_failed", "error", err)
		return 0
	}
	now := s.nowFn().UnixNano()
	cleared := 0
	for _, c := range convs {
		changed := false
		for user, ts := range c.TypingUsers {
			if now-ts > ttl.Nanoseconds() {
				delete(c.TypingUsers, user)
				changed = true
				cleared++
			}
		}
		if !changed || s.cfg.DryRun {
			continue
		}
		if err := s.docs.SaveConversation(c); err != nil {
			logger.Warn("sweep_typing_save_failed", "conversation", c.ID, "error", err)
			continue
		}
		if s.broker != nil {
			cc := c
			s.broker.Publish(stream.ConversationTopic(c.ID), stream.Event{Conversation: &cc})
		}
	}
	return cleared
}

// sweepPresence flips users whose LastSeen is older than OfflineAfter to
// offline.
func (s *Sweeper) sweepPresence() int {
	after := s.pres.OfflineAfter.Duration()
	if after <= 0 {
		return 0
	}
	ps, err := s.docs.ListPresence()
	if err != nil {
		logger.Warn("sweep_presence_list_failed", "error", err)
		return 0
	}
	cutoff := s.nowFn().Add(-after).UnixNano()
	flipped := 0
	for _, p := range ps {
		if p.Status == models.StatusOffline || p.LastSeen >= cutoff {
			continue
		}
		flipped++
		if s.cfg.DryRun {
			continue
		}
		p.Status = models.StatusOffline
		if err := s.docs.SavePresence(p); err != nil {
			logger.Warn("sweep_presence_save_failed", "user", p.UserID, "error", err)
			continue
		}
		if s.broker != nil {
			pp := p
			s.broker.Publish(stream.PresenceTopic(p.UserID), stream.Event{Presence: &pp})
		}
	}
	return flipped
}

// sweepVersions trims message versions older than the retention window.
func (s *Sweeper) sweepVersions() int {
	retention := s.cfg.VersionRetention.Duration()
	if retention <= 0 {
		return 0
	}
	cutoff := s.nowFn().Add(-retention).UnixNano()
	n, err := s.docs.TrimVersions(cutoff, s.cfg.DryRun)
	if err != nil {
		logger.Warn("sweep_versions_failed", "error", err)
	}
	return n
}
