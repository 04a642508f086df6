// notify.go: Outcome notices and the clock that delays them
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"log/slog"
	"time"
)

// Reason tags carried by notices.
const (
	ReasonSuccess           = "success"
	ReasonBootInvalidConfig = "boot-invalid-config"
	ReasonProcessTerminated = "process-terminated"
	ReasonGenerationError   = "generation-error"
)

// Notice is the single user-facing message emitted per cycle.
type Notice struct {
	Reason  string
	Message string
}

// Notifier delivers notices to the UI shell.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a slog logger. Used by the daemon and CLI
// where no UI is attached.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at info level for success and warn otherwise.
func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if n.Reason == ReasonSuccess {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "config notice", "reason", n.Reason, "message", n.Message)
}

// Stopper cancels a scheduled call. *time.Timer implements it.
type Stopper interface {
	Stop() bool
}

// Clock schedules delayed work. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }
