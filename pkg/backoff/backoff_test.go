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

package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/apphost/pkg/backoff"
)

func TestBackoff(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Backoff Suite")
}

var _ = Describe("Error categories", func() {
	It("keeps an existing category and defaults to transient", func() {
		orig := errors.New("disk full") //nolint:err113 // Test needs dynamic error

		Expect(backoff.CategorizeError(nil)).To(Succeed())
		Expect(backoff.IsTransientError(backoff.CategorizeError(orig))).To(BeTrue())

		permanent := backoff.NewPermanentError(orig)
		Expect(backoff.CategorizeError(permanent)).To(BeIdenticalTo(permanent))
		Expect(backoff.IsPermanentError(fmt.Errorf("start: %w", permanent))).To(BeTrue())
		Expect(backoff.IsIgnoredError(backoff.NewIgnoredError(orig))).To(BeTrue())
	})

	It("extracts the innermost error", func() {
		orig := errors.New("root cause") //nolint:err113 // Test needs dynamic error
		wrapped := fmt.Errorf("outer: %w", backoff.NewTransientError(fmt.Errorf("inner: %w", orig)))

		Expect(backoff.ExtractOriginalError(wrapped)).To(BeIdenticalTo(orig))
		Expect(backoff.ExtractOriginalError(nil)).To(Succeed())
	})
})

var _ = Describe("Retry", func() {
	var cfg backoff.Config

	BeforeEach(func() {
		cfg = backoff.Config{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 3}
	})

	It("retries transient errors until success", func() {
		calls := 0

		err := backoff.Retry(context.Background(), cfg, zaptest.NewLogger(GinkgoT()).Sugar(), func() error {
			calls++
			if calls < 3 {
				return errors.New("busy") //nolint:err113 // Test needs dynamic error
			}

			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(3))
	})

	It("gives up after MaxRetries and returns the last error", func() {
		calls := 0
		busy := errors.New("busy") //nolint:err113 // Test needs dynamic error

		err := backoff.Retry(context.Background(), cfg, nil, func() error {
			calls++

			return busy
		})

		Expect(err).To(MatchError(busy))
		Expect(calls).To(Equal(4))
	})

	It("stops on a permanent error", func() {
		calls := 0
		fatal := errors.New("bad image") //nolint:err113 // Test needs dynamic error

		err := backoff.Retry(context.Background(), cfg, nil, func() error {
			calls++

			return backoff.NewPermanentError(fatal)
		})

		Expect(err).To(BeIdenticalTo(fatal))
		Expect(calls).To(Equal(1))
	})

	It("treats ignored errors as success", func() {
		err := backoff.Retry(context.Background(), cfg, nil, func() error {
			return backoff.NewIgnoredError(errors.New("still starting")) //nolint:err113 // Test needs dynamic error
		})

		Expect(err).NotTo(HaveOccurred())
	})

	It("returns the context error when cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := backoff.Retry(ctx, cfg, nil, func() error { return nil })
		Expect(err).To(MatchError(context.Canceled))
	})

	DescribeTable("Delay",
		func(c backoff.Config, attempt int, expected time.Duration) {
			Expect(c.Delay(attempt)).To(Equal(expected))
		},
		Entry("zero initial is immediate", backoff.Config{}, 5, time.Duration(0)),
		Entry("first attempt uses the initial interval", backoff.Config{InitialInterval: time.Second}, 1, time.Second),
		Entry("grows by the default multiplier", backoff.Config{InitialInterval: time.Second}, 3, 2250*time.Millisecond),
		Entry("is capped", backoff.Config{InitialInterval: time.Second, MaxInterval: 2 * time.Second}, 5, 2*time.Second),
	)
})
