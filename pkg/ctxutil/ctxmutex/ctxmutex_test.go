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

package ctxmutex_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/apphost/pkg/ctxutil/ctxmutex"
)

func TestCtxMutex(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CtxMutex Suite")
}

var _ = Describe("CtxMutex", func() {
	It("gives up when the context ends", func() {
		m := ctxmutex.NewCtxMutex()
		Expect(m.Lock(context.Background())).To(Succeed())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		Expect(m.Lock(ctx)).To(MatchError(context.DeadlineExceeded))
		Expect(m.TryLock()).To(BeFalse())

		m.Unlock()
		Expect(m.TryLock()).To(BeTrue())
	})
})

var _ = Describe("KeyedMutex", func() {
	var k *ctxmutex.KeyedMutex

	BeforeEach(func() {
		k = ctxmutex.NewKeyedMutex()
	})

	It("serialises holders of the same key", func() {
		unlock, err := k.Lock(context.Background(), "api")
		Expect(err).NotTo(HaveOccurred())

		acquired := make(chan struct{})

		go func() {
			defer GinkgoRecover()

			second, err := k.Lock(context.Background(), "api")
			Expect(err).NotTo(HaveOccurred())
			close(acquired)
			second()
		}()

		Consistently(acquired, 30*time.Millisecond).ShouldNot(BeClosed())
		unlock()
		Eventually(acquired).Should(BeClosed())
		Eventually(k.Len).Should(BeZero())
	})

	It("does not block other keys", func() {
		unlockA, err := k.Lock(context.Background(), "a")
		Expect(err).NotTo(HaveOccurred())
		defer unlockA()

		unlockB, err := k.Lock(context.Background(), "b")
		Expect(err).NotTo(HaveOccurred())
		unlockB()
		unlockB()

		Expect(k.Len()).To(Equal(1))
	})

	It("cleans up after a cancelled waiter", func() {
		unlock, err := k.Lock(context.Background(), "a")
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = k.Lock(ctx, "a")
		Expect(err).To(MatchError(context.Canceled))

		unlock()
		Expect(k.Len()).To(BeZero())
	})
})
