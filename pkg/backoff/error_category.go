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

package backoff

import "errors"

// ErrorCategory tells Retry how to treat an error returned by an operation.
type ErrorCategory int

const (
	// CategoryIgnored marks an error that is expected in the current context.
	// Retry treats it as success.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient marks an unexpected but recoverable error.
	// Retry tries again until the policy gives up.
	CategoryTransient

	// CategoryPermanent marks an error that retrying cannot fix.
	// Retry stops immediately and returns it.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError attaches an ErrorCategory to an error.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory reports whether the error belongs to category.
func (ce *CategorizedError) IsCategory(category ErrorCategory) bool {
	return ce.Category == category
}

func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategorizeError keeps an existing category and treats everything else as transient.
func CategorizeError(err error) error {
	if err == nil {
		return nil
	}

	var ce *CategorizedError
	if errors.As(err, &ce) {
		return err
	}

	return NewTransientError(err)
}

func IsIgnoredError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryIgnored)
}

func IsTransientError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryTransient)
}

func IsPermanentError(err error) bool {
	var ce *CategorizedError
	return errors.As(err, &ce) && ce.IsCategory(CategoryPermanent)
}

// ExtractOriginalError unwraps err down to the innermost error of its chain.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}

	unwrapped := err

	for {
		next := errors.Unwrap(unwrapped)
		if next == nil {
			return unwrapped
		}

		unwrapped = next
	}
}
