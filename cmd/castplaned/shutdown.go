package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"castplane/internal/config"
)

var ErrShutdownTimeout = errors.New("shutdown timer triggered")

// shutdownMonitor is the activity/deadline shutdown timer: an inactivity
// timer reset by NotifyActivity, racing an optional fixed deadline, both
// feeding a single StopCh the caller selects on.
type shutdownMonitor struct {
	cfg        config.ShutdownTimersConfig
	logger     *slog.Logger
	activityCh chan struct{}
	StopCh     chan error
}

func NewShutdownMonitor(cfg config.ShutdownTimersConfig, l *slog.Logger) *shutdownMonitor {
	return &shutdownMonitor{
		cfg:        cfg,
		logger:     l,
		activityCh: make(chan struct{}, 1),
		StopCh:     make(chan error, 1),
	}
}

func (s *shutdownMonitor) NotifyActivity() {
	select {
	case s.activityCh <- struct{}{}:
	default:
	}
}

const (
	defaultTimerDuration = 24 * 365 * 100 * time.Hour
	noTimeout            = time.Duration(0)
)

func (s *shutdownMonitor) Start(ctx context.Context) {
	go func() {
		effectiveDurationToEnd := defaultTimerDuration

		if !s.cfg.TimeToEnd.IsZero() {
			if time.Now().After(s.cfg.TimeToEnd) {
				s.logger.Warn("shutdown time is in the past; shutting down immediately")
				s.StopCh <- ErrShutdownTimeout
				return
			}
			effectiveDurationToEnd = min(defaultTimerDuration, time.Until(s.cfg.TimeToEnd))
		}

		if s.cfg.SleepTimer > 0 {
			effectiveDurationToEnd = min(effectiveDurationToEnd, s.cfg.SleepTimer)
		}

		deadlineTimer := time.NewTimer(effectiveDurationToEnd)
		defer deadlineTimer.Stop()

		inactivityDurationToEnd := defaultTimerDuration
		if s.cfg.InactiveLimit > 0 {
			inactivityDurationToEnd = min(defaultTimerDuration, s.cfg.InactiveLimit)
		}
		inactivityTimer := time.NewTimer(inactivityDurationToEnd)
		defer inactivityTimer.Stop()

		s.logger.Info("shutdown monitor started",
			"inactive_limit", s.cfg.InactiveLimit,
			"sleep_timer", s.cfg.SleepTimer)

		for {
			select {
			case <-ctx.Done():
				return

			case <-s.activityCh:
				if !inactivityTimer.Stop() {
					select {
					case <-inactivityTimer.C:
					default:
					}
				}
				inactivityTimer.Reset(inactivityDurationToEnd)

			case <-inactivityTimer.C:
				s.logger.Info("inactivity limit reached")
				s.StopCh <- ErrShutdownTimeout
				return

			case <-deadlineTimer.C:
				s.logger.Info("deadline reached")
				s.StopCh <- ErrShutdownTimeout
				return
			}
		}
	}()
}
