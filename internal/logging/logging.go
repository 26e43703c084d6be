// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package logging is the engine's internal logger, called the same way
// throughout the core: l.Infof/Warnf/Errorf/Fatalf, level-gated, with an
// optional component tag prefix. Output is delegated to
// github.com/couchbase/goutils/logging, the leveled logging facade
// shared by the teacher's sibling Couchbase services, instead of a
// hand-rolled stdlib wrapper.
package logging

import (
	"sync/atomic"

	gologging "github.com/couchbase/goutils/logging"
)

type Level int32

const (
	Silent Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var curLevel int32 = int32(Info)

func toGoutils(l Level) gologging.Level {
	switch l {
	case Silent:
		return gologging.NONE
	case Fatal:
		return gologging.FATAL
	case Error:
		return gologging.ERROR
	case Warn:
		return gologging.WARN
	case Info:
		return gologging.INFO
	case Debug:
		return gologging.DEBUG
	case Trace:
		return gologging.TRACE
	default:
		return gologging.INFO
	}
}

func init() {
	gologging.SetLevel(toGoutils(Info))
}

// SetLevel changes the global log threshold. Safe to call concurrently.
func SetLevel(l Level) {
	atomic.StoreInt32(&curLevel, int32(l))
	gologging.SetLevel(toGoutils(l))
}

func GetLevel() Level {
	return Level(atomic.LoadInt32(&curLevel))
}

func enabled(l Level) bool {
	return int32(l) <= atomic.LoadInt32(&curLevel)
}

func Tracef(format string, args ...interface{}) {
	if enabled(Trace) {
		gologging.Tracef(format, args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if enabled(Debug) {
		gologging.Debugf(format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if enabled(Info) {
		gologging.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if enabled(Warn) {
		gologging.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if enabled(Error) {
		gologging.Errorf(format, args...)
	}
}

func Fatalf(format string, args ...interface{}) {
	if enabled(Fatal) {
		gologging.Fatalf(format, args...)
	}
}

// Tagged is a component-scoped logger, mirroring the teacher's pattern
// of prefixing log lines with a subsystem name (e.g. "Rebalancer:").
type Tagged struct {
	Component string
}

func NewTagged(component string) Tagged {
	return Tagged{Component: component}
}

func (t Tagged) Infof(format string, args ...interface{}) {
	Infof(t.Component+": "+format, args...)
}

func (t Tagged) Warnf(format string, args ...interface{}) {
	Warnf(t.Component+": "+format, args...)
}

func (t Tagged) Errorf(format string, args ...interface{}) {
	Errorf(t.Component+": "+format, args...)
}

func (t Tagged) Debugf(format string, args ...interface{}) {
	Debugf(t.Component+": "+format, args...)
}
