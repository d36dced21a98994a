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
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/apphost/pkg/constants"
)

// Options configures error reporting.
type Options struct {
	// DSN of the Sentry project. Reporting is disabled when empty.
	DSN        string
	AppVersion string
	// Debounce suppresses repeated errors and warnings with the same title.
	// Zero reports everything.
	Debounce time.Duration
}

// InitSentry initializes the global Sentry client and reports whether reporting is enabled.
// Development builds and an empty DSN keep reporting disabled.
func InitSentry(opts Options) bool {
	reports.setWindow(opts.Debounce)

	if opts.DSN == "" || opts.AppVersion == "" || opts.AppVersion == constants.DefaultAppVersion {
		zap.S().Debug("Sentry disabled: no DSN configured or development build")

		return false
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:           opts.DSN,
		Environment:   environmentFor(opts.AppVersion),
		Release:       "apphost@" + opts.AppVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return false
	}

	return true
}

// environmentFor maps prerelease versions to the development environment.
func environmentFor(appVersion string) string {
	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Debugf("Failed to parse app version %q, using development environment: %s", appVersion, err)

		return constants.DefaultDevelopmentEnvironment
	}

	if version.Prerelease() == "" {
		return constants.DefaultProductionEnvironment
	}

	return constants.DefaultDevelopmentEnvironment
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}

func issueTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

func newEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       issueTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	if level == sentry.LevelFatal || level == sentry.LevelError {
		threads, stack := captureGoroutinesAsThreads()
		event.Threads = threads
		event.Attachments = append(event.Attachments, &sentry.Attachment{
			Filename:    "stacktrace.txt",
			ContentType: "text/plain",
			Payload:     stack,
		})
	}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			setTag(event, key, v)
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
			setTag(event, key, fmt.Sprintf("%v", v))
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}

		// Grouping hints
		switch key {
		case "operation", "component", "resource_kind":
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func setTag(event *sentry.Event, key, value string) {
	if event.Tags == nil {
		event.Tags = make(map[string]string)
	}

	event.Tags[key] = value
}

func send(event *sentry.Event) {
	sentry.CurrentHub().Clone().CaptureEvent(event)
}
