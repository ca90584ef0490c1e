package session

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func testCar() models.Vehicle {
	return models.Vehicle{Make: "Toyota", Model: "Corolla", Year: 2019, Price: 280000}
}

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	sender := "whatsapp:+52" + uuid.NewString()[:8]

	_, ok, err := s.Get(ctx, sender)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Touch(ctx, sender, epoch))
	got, ok, err := s.Get(ctx, sender)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PhaseNone, got.Phase)
	assert.True(t, got.LastActive.Equal(epoch))

	car := testCar()
	dp := int64(60000)
	sess := models.NewSession(sender, epoch)
	sess.Phase = models.PhaseAwaitingMonths
	sess.SelectedCar = &car
	sess.Downpayment = &dp
	sess.Results = []models.Vehicle{car}
	require.NoError(t, s.Put(ctx, sender, sess))

	got, _, err = s.Get(ctx, sender)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseAwaitingMonths, got.Phase)
	require.NotNil(t, got.Downpayment)
	assert.Equal(t, dp, *got.Downpayment)

	*got.Downpayment = 1
	again, _, _ := s.Get(ctx, sender)
	assert.Equal(t, dp, *again.Downpayment, "Get must return a copy")

	bad := models.NewSession(sender, epoch)
	bad.Phase = models.PhaseAwaitingDownpayment
	assert.ErrorIs(t, s.Put(ctx, sender, bad), models.ErrMissingVehicle)

	later := epoch.Add(10 * time.Minute)
	require.NoError(t, s.Touch(ctx, sender, later))
	got, _, _ = s.Get(ctx, sender)
	assert.Equal(t, models.PhaseAwaitingMonths, got.Phase, "Touch keeps the phase")

	expired, err := s.Expired(ctx, later)
	require.NoError(t, err)
	assert.NotContains(t, expired, sender)
	expired, err = s.Expired(ctx, later.Add(time.Second))
	require.NoError(t, err)
	assert.Contains(t, expired, sender)

	cleared, err := s.ClearIfIdle(ctx, sender, later)
	require.NoError(t, err)
	assert.False(t, cleared, "fresh session must survive")

	cleared, err = s.ClearIfIdle(ctx, sender, later.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = s.ClearIfIdle(ctx, sender, later.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, cleared, "missing sender is ignored")

	require.NoError(t, s.Touch(ctx, sender, later))
	require.NoError(t, s.Clear(ctx, sender))
	require.NoError(t, s.Clear(ctx, sender))
	_, ok, err = s.Get(ctx, sender)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Put(ctx, "", sess), models.ErrEmptySender)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	require.NoError(t, client.Ping(context.Background()).Err())

	s := NewRedisStoreWithClient(client, "dealerpipe:test:"+uuid.NewString()+":", time.Hour)
	defer s.Close()
	exerciseStore(t, s)
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background())
	assert.Error(t, err)
}

func TestLockerSerializesSameSender(t *testing.T) {
	l := NewLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("+52")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.Active(), "entries are released")
}

func TestLockerIndependentSenders(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	unlockA()
	assert.Zero(t, l.Active())
}

func TestSweepRemovesIdleKeepsFresh(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := epoch
	require.NoError(t, store.Touch(ctx, "idle", now.Add(-6*time.Minute)))
	require.NoError(t, store.Touch(ctx, "fresh", now.Add(-time.Minute)))

	var expired []string
	var swept int
	sw := NewSweeper(store,
		WithTimeout(5*time.Minute),
		WithClock(func() time.Time { return now }),
		WithOnExpire(func(_ context.Context, sender string) { expired = append(expired, sender) }),
		WithOnSwept(func(n int) { swept += n }),
	)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"idle"}, expired)
	assert.Equal(t, 1, swept)

	_, ok, _ := store.Get(ctx, "idle")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "fresh")
	assert.True(t, ok)
}

// racingStore touches the sender between the snapshot and the delete.
type racingStore struct {
	*MemoryStore
	now time.Time
}

func (r *racingStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	out, err := r.MemoryStore.Expired(ctx, cutoff)
	for _, s := range out {
		_ = r.MemoryStore.Touch(ctx, s, r.now)
	}
	return out, err
}

func TestSweepToleratesConcurrentActivity(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore(), now: epoch}
	require.NoError(t, store.Touch(ctx, "+52", epoch.Add(-time.Hour)))

	sw := NewSweeper(store, WithClock(func() time.Time { return epoch }))
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, _ := store.Get(ctx, "+52")
	assert.True(t, ok)
}

func TestSweepWaitsForSenderLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	locker := NewLocker()
	require.NoError(t, store.Touch(ctx, "+52", epoch.Add(-time.Hour)))

	unlock := locker.Lock("+52")
	sw := NewSweeper(store, WithLocker(locker), WithClock(func() time.Time { return epoch }))
	result := make(chan int, 1)
	go func() {
		n, _ := sw.SweepOnce(ctx)
		result <- n
	}()

	// a dispatch in progress refreshes the session before releasing the lock
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Touch(ctx, "+52", epoch))
	unlock()

	assert.Equal(t, 0, <-result)
	_, ok, _ := store.Get(ctx, "+52")
	assert.True(t, ok)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	require.NoError(t, store.Touch(ctx, "+52", time.Now().Add(-time.Hour)))

	sw := NewSweeper(store, WithInterval(5*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
