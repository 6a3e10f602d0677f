// Copyright 2026 The Wallcap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the package-level logging facade every other wallcap
// package calls into (Debugf/Warnf/... on a single configured logger).
// Level is env-controlled and output can split between a rotated on-disk
// file and plain stderr, using logrus's dual-output hooks instead of a
// second logging facade.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// EnvLevel is the environment variable controlling the log level.
const EnvLevel = "WALLCAP_LOG"

var base = logrus.New()

func init() {
	base.SetLevel(levelFromEnv())
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func levelFromEnv() logrus.Level {
	raw := os.Getenv(EnvLevel)
	if raw == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// ToFile additionally rotates output into the log file at path, on top of
// stderr, for a persisted run log (spec §4.6/§6: a capture run's own log
// alongside its artifact bundle).
func ToFile(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	base.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

// SetLevel overrides the level derived from WALLCAP_LOG, mainly for tests.
func SetLevel(lvl logrus.Level) { base.SetLevel(lvl) }

// DebugEnabled reports whether debug-level logging is active, used by
// internal/capture to decide whether perf should run with --quiet.
func DebugEnabled() bool { return base.IsLevelEnabled(logrus.DebugLevel) }

func Debugf(format string, args ...interface{}) { base.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { base.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { base.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { base.Errorf(format, args...) }

func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}
