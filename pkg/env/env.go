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

// Package env reads typed configuration overrides from environment variables.
//
// Every getter follows the same contract: an unset variable yields defaultValue,
// or an error when required is true. A value that does not parse yields an error
// when required, and defaultValue otherwise.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup reports whether key is set to a non-empty value.
func Lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))

	return value, value != ""
}

func get[T any](key string, required bool, defaultValue T, kind string, parse func(string) (T, error)) (T, error) {
	raw, ok := Lookup(key)
	if !ok {
		if required {
			var zero T

			return zero, fmt.Errorf("required environment variable %s is not set", key)
		}

		return defaultValue, nil
	}

	v, err := parse(raw)
	if err != nil {
		if required {
			var zero T

			return zero, fmt.Errorf("environment variable %s must be %s: %w", key, kind, err)
		}

		return defaultValue, nil
	}

	return v, nil
}

// GetAsString retrieves an environment variable as a string.
func GetAsString(key string, required bool, defaultValue string) (string, error) {
	return get(key, required, defaultValue, "a string", func(s string) (string, error) { return s, nil })
}

// GetAsInt retrieves an environment variable as an integer.
func GetAsInt(key string, required bool, defaultValue int) (int, error) {
	return get(key, required, defaultValue, "an integer", strconv.Atoi)
}

// GetAsBool retrieves an environment variable as a boolean. Besides the strconv
// spellings it accepts yes/no, y/n and on/off.
func GetAsBool(key string, required bool, defaultValue bool) (bool, error) {
	return get(key, required, defaultValue, "a boolean value", parseBool)
}

// GetAsDuration retrieves an environment variable as a time.Duration ("500ms", "2s").
func GetAsDuration(key string, required bool, defaultValue time.Duration) (time.Duration, error) {
	return get(key, required, defaultValue, "a duration", time.ParseDuration)
}

// GetAsStringSlice retrieves a comma separated list. Empty items are dropped.
func GetAsStringSlice(key string, required bool, defaultValue []string) ([]string, error) {
	return get(key, required, defaultValue, "a list", func(s string) ([]string, error) {
		var out []string

		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}

		return out, nil
	})
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "y", "on":
		return true, nil
	case "false", "0", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}
