package tempstore

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-intake/internal/apperr"
	"github.com/zombor/invoice-intake/internal/storage"
)

var _ = Describe("Adapter", func() {
	var (
		registryPath string
		registry     *Registry
		store        *mockStorage
		clock        *fakeClock
		adapter      *Adapter
		start        time.Time
	)

	BeforeEach(func() {
		registryPath = filepath.Join(GinkgoT().TempDir(), "registry.db")
		var err error
		registry, err = OpenRegistry(registryPath)
		Expect(err).NotTo(HaveOccurred())

		start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		store = newMockStorage()
		clock = &fakeClock{now: start}
		adapter = NewAdapterWithDeps(store, registry, time.Hour, &sequenceIDs{}, clock)
	})

	AfterEach(func() {
		if registry != nil {
			registry.Close()
		}
	})

	Describe("StoreTemporary", func() {
		var (
			reference string
			err       error
		)

		JustBeforeEach(func() {
			reference, err = adapter.StoreTemporary([]byte("%PDF-1.7"), 0)
		})

		When("the write succeeds", func() {
			It("returns a reference", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(reference).To(Equal("ref-1"))
			})

			It("writes the bytes under a temporary path", func() {
				Expect(store.files).To(HaveKeyWithValue("tmp/ref-1", []byte("%PDF-1.7")))
			})

			It("records a registry entry with the default ttl", func() {
				entry, getErr := registry.Get(reference)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(entry.StoragePath).To(Equal("tmp/ref-1"))
				Expect(entry.CreatedAt).To(BeTemporally("==", start))
				Expect(entry.TTL()).To(Equal(time.Hour))
			})
		})

		When("the underlying write fails", func() {
			BeforeEach(func() {
				store.saveErr = errors.New("disk full")
			})

			It("returns a StorageError", func() {
				var storageErr *apperr.StorageError
				Expect(errors.As(err, &storageErr)).To(BeTrue())
				Expect(storageErr.Op).To(Equal("save"))
			})

			It("does not create a registry entry", func() {
				Expect(registry.Len()).To(Equal(0))
			})

			It("uses a fresh reference on retry", func() {
				store.saveErr = nil
				retried, retryErr := adapter.StoreTemporary([]byte("%PDF-1.7"), 0)
				Expect(retryErr).NotTo(HaveOccurred())
				Expect(retried).To(Equal("ref-2"))
			})
		})
	})

	Describe("StoreTemporary with a fractional ttl", func() {
		DescribeTable("rounds the ttl up to whole seconds",
			func(ttl, want time.Duration) {
				reference, err := adapter.StoreTemporary([]byte("data"), ttl)
				Expect(err).NotTo(HaveOccurred())

				entry, err := registry.Get(reference)
				Expect(err).NotTo(HaveOccurred())
				Expect(entry.TTL()).To(Equal(want))
			},
			Entry("half a second", 500*time.Millisecond, time.Second),
			Entry("one and a half seconds", 1500*time.Millisecond, 2*time.Second),
			Entry("whole seconds", 3*time.Second, 3*time.Second),
		)

		It("does not expire a sub-second entry immediately", func() {
			reference, err := adapter.StoreTemporary([]byte("data"), 500*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(500 * time.Millisecond)
			result, err := adapter.CleanupExpired(clock.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Expired).To(BeEmpty())

			_, err = adapter.Read(reference)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("concurrent StoreTemporary", func() {
		It("produces distinct references and paths for identical bytes", func() {
			local, err := storage.NewLocalStorage(GinkgoT().TempDir())
			Expect(err).NotTo(HaveOccurred())
			concurrent := NewAdapter(local, registry, time.Hour)

			var (
				wg   sync.WaitGroup
				refs = make([]string, 2)
				errs = make([]error, 2)
			)
			for i := range refs {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					refs[i], errs[i] = concurrent.StoreTemporary([]byte("same bytes"), 0)
				}(i)
			}
			wg.Wait()

			Expect(errs).To(HaveEach(BeNil()))
			Expect(refs[0]).NotTo(Equal(refs[1]))

			first, err := registry.Get(refs[0])
			Expect(err).NotTo(HaveOccurred())
			second, err := registry.Get(refs[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(first.StoragePath).NotTo(Equal(second.StoragePath))
		})
	})

	Describe("PromoteToPermanent", func() {
		var (
			reference string
			path      string
			err       error
		)

		BeforeEach(func() {
			var storeErr error
			reference, storeErr = adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(storeErr).NotTo(HaveOccurred())
		})

		JustBeforeEach(func() {
			path, err = adapter.PromoteToPermanent(reference)
		})

		When("the reference is live", func() {
			It("moves identical bytes to the permanent path", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(path).To(Equal("invoices/ref-1"))
				Expect(store.files).To(HaveKeyWithValue("invoices/ref-1", []byte("invoice bytes")))
			})

			It("removes the temporary bytes and the registry entry", func() {
				Expect(store.has("tmp/ref-1")).To(BeFalse())
				_, getErr := registry.Get(reference)
				Expect(getErr).To(MatchError(apperr.ErrNotFound))
			})

			It("fails a second promotion with ErrNotFound", func() {
				_, again := adapter.PromoteToPermanent(reference)
				Expect(again).To(MatchError(apperr.ErrNotFound))
			})
		})

		When("the reference is unknown", func() {
			BeforeEach(func() {
				reference = "missing"
			})

			It("returns ErrNotFound", func() {
				Expect(err).To(MatchError(apperr.ErrNotFound))
			})
		})

		When("the ttl elapsed before the sweep ran", func() {
			BeforeEach(func() {
				clock.Advance(time.Hour + time.Second)
			})

			It("returns ErrNotFound and removes the bytes", func() {
				Expect(err).To(MatchError(apperr.ErrNotFound))
				Expect(store.has("tmp/ref-1")).To(BeFalse())
			})
		})

		When("writing the permanent copy fails", func() {
			BeforeEach(func() {
				store.saveErr = errors.New("bucket unavailable")
				store.failSave = func(path string) bool { return path == "invoices/ref-1" }
			})

			It("returns a StorageError", func() {
				Expect(apperr.IsStorage(err)).To(BeTrue())
			})

			It("restores the registry entry so the reference can be retried", func() {
				_, getErr := registry.Get(reference)
				Expect(getErr).NotTo(HaveOccurred())

				store.saveErr = nil
				path, retryErr := adapter.PromoteToPermanent(reference)
				Expect(retryErr).NotTo(HaveOccurred())
				Expect(path).To(Equal("invoices/ref-1"))
			})
		})
	})

	Describe("Demote", func() {
		var (
			reference string
			err       error
		)

		BeforeEach(func() {
			var setupErr error
			reference, setupErr = adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(setupErr).NotTo(HaveOccurred())
			_, setupErr = adapter.PromoteToPermanent(reference)
			Expect(setupErr).NotTo(HaveOccurred())
			clock.Advance(30 * time.Minute)
		})

		JustBeforeEach(func() {
			err = adapter.Demote(reference, 0)
		})

		It("moves the bytes back under the same reference", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(store.files).To(HaveKeyWithValue("tmp/ref-1", []byte("invoice bytes")))
			Expect(store.has("invoices/ref-1")).To(BeFalse())
		})

		It("registers the reference again with a fresh ttl", func() {
			entry, getErr := registry.Get(reference)
			Expect(getErr).NotTo(HaveOccurred())
			Expect(entry.CreatedAt).To(BeTemporally("==", start.Add(30*time.Minute)))
			Expect(entry.TTL()).To(Equal(time.Hour))
		})

		It("allows the reference to be promoted again", func() {
			path, promoteErr := adapter.PromoteToPermanent(reference)
			Expect(promoteErr).NotTo(HaveOccurred())
			Expect(path).To(Equal("invoices/ref-1"))
		})

		When("the temporary copy cannot be written", func() {
			BeforeEach(func() {
				store.saveErr = errors.New("disk full")
				store.failSave = func(path string) bool { return path == "tmp/ref-1" }
			})

			It("returns a StorageError and keeps the permanent bytes", func() {
				Expect(apperr.IsStorage(err)).To(BeTrue())
				Expect(store.has("invoices/ref-1")).To(BeTrue())
				_, getErr := registry.Get(reference)
				Expect(getErr).To(MatchError(apperr.ErrNotFound))
			})
		})
	})

	Describe("Discard", func() {
		It("deletes the bytes and forgets the reference", func() {
			reference, err := adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(adapter.Discard(reference)).To(Succeed())
			Expect(store.has("tmp/ref-1")).To(BeFalse())
			Expect(adapter.Discard(reference)).To(MatchError(apperr.ErrNotFound))
			_, err = adapter.PromoteToPermanent(reference)
			Expect(err).To(MatchError(apperr.ErrNotFound))
		})
	})

	Describe("Read", func() {
		It("returns the temporary bytes while the reference is live", func() {
			reference, err := adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(err).NotTo(HaveOccurred())

			data, err := adapter.Read(reference)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("invoice bytes")))

			clock.Advance(2 * time.Hour)
			_, err = adapter.Read(reference)
			Expect(err).To(MatchError(apperr.ErrNotFound))
		})
	})

	Describe("CleanupExpired", func() {
		var reference string

		BeforeEach(func() {
			var err error
			reference, err = adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(err).NotTo(HaveOccurred())
		})

		When("now - created_at equals the ttl", func() {
			It("leaves the entry intact", func() {
				result, err := adapter.CleanupExpired(start.Add(time.Hour))
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Count()).To(Equal(0))
				Expect(store.has("tmp/ref-1")).To(BeTrue())
				_, getErr := registry.Get(reference)
				Expect(getErr).NotTo(HaveOccurred())
			})
		})

		When("now - created_at exceeds the ttl", func() {
			var result *CleanupResult

			BeforeEach(func() {
				var err error
				result, err = adapter.CleanupExpired(start.Add(time.Hour + time.Nanosecond))
				Expect(err).NotTo(HaveOccurred())
			})

			It("removes the entry and its bytes", func() {
				Expect(result.Count()).To(Equal(1))
				Expect(result.Expired).To(ConsistOf(reference))
				Expect(store.has("tmp/ref-1")).To(BeFalse())
			})

			It("makes later promote and discard fail with ErrNotFound", func() {
				_, err := adapter.PromoteToPermanent(reference)
				Expect(err).To(MatchError(apperr.ErrNotFound))
				Expect(adapter.Discard(reference)).To(MatchError(apperr.ErrNotFound))
			})
		})

		When("an entry is corrupted", func() {
			BeforeEach(func() {
				Expect(registry.db.Update(func(tx *bbolt.Tx) error {
					return tx.Bucket([]byte(registryBucket)).Put([]byte("broken"), []byte("{not json"))
				})).To(Succeed())
			})

			It("skips it and still removes the expired entries", func() {
				result, err := adapter.CleanupExpired(start.Add(48 * time.Hour))
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Skipped).To(Equal(1))
				Expect(result.Expired).To(ConsistOf(reference))
			})
		})

		When("deleting the bytes fails", func() {
			It("keeps the entry for the next pass", func() {
				store.deleteErr = errors.New("io error")
				result, err := adapter.CleanupExpired(start.Add(2 * time.Hour))
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Errors).To(Equal(1))
				Expect(result.Count()).To(Equal(0))

				store.deleteErr = nil
				result, err = adapter.CleanupExpired(start.Add(2 * time.Hour))
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Expired).To(ConsistOf(reference))
			})
		})

		When("cleanup races with promotion", func() {
			It("lets exactly one of them act on the reference", func() {
				var (
					wg         sync.WaitGroup
					promoteErr error
					result     *CleanupResult
				)
				wg.Add(2)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, promoteErr = adapter.PromoteToPermanent(reference)
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					result, _ = adapter.CleanupExpired(start.Add(2 * time.Hour))
				}()
				wg.Wait()

				promoted := promoteErr == nil
				expired := result.Count() == 1
				Expect(promoted).NotTo(Equal(expired))
				if !promoted {
					Expect(promoteErr).To(MatchError(apperr.ErrNotFound))
				}
			})
		})
	})

	Describe("durability", func() {
		It("reloads entries after a restart and re-evaluates them", func() {
			reference, err := adapter.StoreTemporary([]byte("invoice bytes"), 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.Close()).To(Succeed())

			registry, err = OpenRegistry(registryPath)
			Expect(err).NotTo(HaveOccurred())
			entry, err := registry.Get(reference)
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.StoragePath).To(Equal("tmp/ref-1"))

			clock.Advance(3 * time.Hour)
			restarted := NewAdapterWithDeps(store, registry, time.Hour, &sequenceIDs{n: 10}, clock)
			var expired []string
			sweeper := NewSweeper(restarted, time.Minute, func(ref string) { expired = append(expired, ref) })
			sweeper.RunOnce()

			Expect(expired).To(ConsistOf(reference))
			Expect(store.has("tmp/ref-1")).To(BeFalse())
		})
	})
})
