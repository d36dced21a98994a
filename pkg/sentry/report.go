// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	// IssueTypeFatal logs, flushes and then panics.
	IssueTypeFatal IssueType = "fatal"
)

// debouncer drops repeated reports of the same title within a window.
type debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	lastSent map[string]time.Time
}

var reports = &debouncer{lastSent: make(map[string]time.Time)}

func (d *debouncer) setWindow(w time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window = w
	d.lastSent = make(map[string]time.Time)
}

// allow reports whether key may be sent now and records the send.
func (d *debouncer) allow(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.window > 0 {
		if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.window {
			return false
		}
	}

	d.lastSent[key] = now

	return true
}

// ReportIssue logs err and sends it to Sentry.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

// ReportIssuef formats a message and reports it.
func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with context data attached as tags or extras.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorw("fatal_error", "error", err, "stack", string(debug.Stack()))
		send(newEvent(sentry.LevelFatal, err, context))
		sentry.Flush(5 * time.Second)
		log.Panic("Fatal error")
	case IssueTypeError:
		log.Errorw("error_reported", "error", err)

		if reports.allow("error:"+issueTitle(err), time.Now()) {
			send(newEvent(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warnw("warning_reported", "error", err)

		if reports.allow("warning:"+issueTitle(err), time.Now()) {
			send(newEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportResourceError reports a failure tied to one resource.
func ReportResourceError(log *zap.SugaredLogger, resourceName, component, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"resource":  resourceName,
		"component": component,
		"operation": operation,
	})
}

// ReportResourceWarningf formats and reports a warning tied to one resource.
func ReportResourceWarningf(log *zap.SugaredLogger, resourceName, component, operation, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), IssueTypeWarning, log, map[string]interface{}{
		"resource":  resourceName,
		"component": component,
		"operation": operation,
	})
}
