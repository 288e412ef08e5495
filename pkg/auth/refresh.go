package auth

import (
	"context"
	"fmt"
	"math"
	"time"
)

// refreshCall is the single in-flight refresh shared by every caller that
// asks for a refresh while it runs.
type refreshCall struct {
	done chan struct{}
	data AuthenticationData
	err  error
}

func (c *refreshCall) wait(ctx context.Context) (AuthenticationData, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		return AuthenticationData{}, ctx.Err()
	}
}

// Refresh exchanges the held credential for a new one. If a refresh is
// already in flight the caller waits for that one instead of sending another
// request. The exchange itself is not cancelled with ctx; ctx only bounds how
// long this caller waits for it.
func (s *Session) Refresh(ctx context.Context) (AuthenticationData, error) {
	return s.joinOrStartRefresh(ctx).wait(ctx)
}

func (s *Session) joinOrStartRefresh(ctx context.Context) *refreshCall {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		return s.inflight
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	go s.runRefresh(context.WithoutCancel(ctx), call, s.epoch)

	return call
}

func (s *Session) activeRefresh() *refreshCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Session) runRefresh(ctx context.Context, call *refreshCall, epoch uint64) {
	call.data, call.err = s.exchangeRefresh(ctx, epoch)

	s.mu.Lock()
	if s.inflight == call {
		s.inflight = nil
	}
	s.mu.Unlock()

	close(call.done)
}

// exchangeRefresh clears the stored credential before asking for a new one,
// so a failed refresh never leaves an expired credential looking valid.
func (s *Session) exchangeRefresh(ctx context.Context, epoch uint64) (AuthenticationData, error) {
	current, err := s.storage.Get(ctx)
	if err != nil {
		return AuthenticationData{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	if err := s.commit(ctx, epoch, AuthenticationData{}); err != nil {
		return AuthenticationData{}, fmt.Errorf("failed to reset credentials: %w", err)
	}

	body := tokenRequest{Mode: s.mode}
	if s.mode == ModeJSON {
		body.RefreshToken = current.RefreshToken
	}

	var data AuthenticationData
	if err := s.transport.Do(ctx, s.authRequest(refreshPath, body), &data); err != nil {
		return AuthenticationData{}, fmt.Errorf("token refresh failed: %w", err)
	}

	return s.setCredentials(ctx, data, epoch)
}

// refreshIfExpired starts a refresh when the stored token is expired or inside
// the safety margin, then waits for whatever refresh is in flight.
func (s *Session) refreshIfExpired(ctx context.Context) error {
	data, err := s.storage.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	call := s.activeRefresh()
	if call == nil && data.ExpiresAt != 0 {
		deadline := s.now().Add(s.refreshBeforeExpiry).UnixMilli()
		if data.ExpiresAt < deadline {
			call = s.joinOrStartRefresh(ctx)
		}
	}
	if call == nil {
		return nil
	}

	_, err = call.wait(ctx)
	return err
}

// setCredentials derives ExpiresAt, stores the snapshot and schedules the
// next background refresh.
func (s *Session) setCredentials(ctx context.Context, data AuthenticationData, epoch uint64) (AuthenticationData, error) {
	if data.Expires > 0 {
		data.ExpiresAt = expiresAt(s.now().UnixMilli(), data.Expires)
	} else {
		data.Expires = 0
		data.ExpiresAt = 0
	}

	if err := s.commit(ctx, epoch, data); err != nil {
		return AuthenticationData{}, fmt.Errorf("failed to store credentials: %w", err)
	}

	s.scheduleRefresh(epoch, data.Expires)
	return data, nil
}

// expiresAt adds a lifetime to nowMs, saturating instead of wrapping.
func expiresAt(nowMs, expiresMs int64) int64 {
	if expiresMs > math.MaxInt64-nowMs {
		return math.MaxInt64
	}
	return nowMs + expiresMs
}

// commit writes data unless the session moved on to a newer epoch.
func (s *Session) commit(ctx context.Context, epoch uint64, data AuthenticationData) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	current := s.epoch
	s.mu.Unlock()
	if current != epoch {
		return ErrSessionReplaced
	}

	return s.storage.Set(ctx, data)
}

// advanceEpoch starts a new credential lifetime and drops the old timer.
func (s *Session) advanceEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.stopTimerLocked()
	return s.epoch
}

// scheduleRefresh replaces the background timer for a credential living
// expiresMs milliseconds. Lifetimes not longer than the safety margin, or not
// shorter than the scheduling ceiling, get no timer.
func (s *Session) scheduleRefresh(epoch uint64, expiresMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}
	s.stopTimerLocked()

	if !s.autoRefresh {
		return
	}
	marginMs := s.refreshBeforeExpiry.Milliseconds()
	if expiresMs <= marginMs || expiresMs >= s.maxRefreshDelay.Milliseconds() {
		s.logger.Debug("background refresh not scheduled", "expires_ms", expiresMs)
		return
	}

	delay := time.Duration(expiresMs-marginMs) * time.Millisecond
	gen := s.timerGen
	s.timer = time.AfterFunc(delay, func() {
		s.fireTimer(gen)
	})
	s.logger.Debug("background refresh scheduled", "delay", delay)
}

func (s *Session) fireTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.timerGen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.timerGen++
	s.mu.Unlock()

	s.bestEffort(context.Background(), "scheduled refresh", func(ctx context.Context) error {
		_, err := s.Refresh(ctx)
		return err
	})
}

// stopTimerLocked disarms the timer; callers hold s.mu. Bumping the
// generation also neutralizes a callback that already started.
func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// RefreshScheduled reports whether a background refresh timer is armed
func (s *Session) RefreshScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
