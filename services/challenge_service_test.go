package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"centumAPI/internal/apperr"
	"centumAPI/internal/bus"
	"centumAPI/internal/cache"
	"centumAPI/internal/challenge"
	"centumAPI/internal/checkin"
	"centumAPI/internal/connectivity"
	"centumAPI/internal/quota"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory DocumentStore with failure injection.
type fakeRemote struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	setCalls    map[string]int
	deleteCalls map[string]int
	failAll     error
	onQuery     func(call int) ([]map[string]any, error)
	onSet       func(collection, id string)
	queryCalls  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		collections: make(map[string]map[string]map[string]any),
		setCalls:    make(map[string]int),
		deleteCalls: make(map[string]int),
	}
}

func (f *fakeRemote) col(name string) map[string]map[string]any {
	c, ok := f.collections[name]
	if !ok {
		c = make(map[string]map[string]any)
		f.collections[name] = c
	}
	return c
}

func (f *fakeRemote) Create(ctx context.Context, collection string, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return "", f.failAll
	}
	id := uuid.NewString()
	f.col(collection)[id] = doc
	return id, nil
}

func (f *fakeRemote) Set(ctx context.Context, collection, id string, doc map[string]any) error {
	f.mu.Lock()
	f.setCalls[collection+"/"+id]++
	failAll := f.failAll
	hook := f.onSet
	f.mu.Unlock()
	if failAll != nil {
		return failAll
	}
	if hook != nil {
		// Outside the lock so a blocking hook does not stall other calls.
		hook(collection, id)
	}
	f.mu.Lock()
	f.col(collection)[id] = doc
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	doc, ok := f.col(collection)[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return doc, nil
}

func (f *fakeRemote) Query(ctx context.Context, collection, field, op string, value any) ([]map[string]any, error) {
	f.mu.Lock()
	f.queryCalls++
	call := f.queryCalls
	hook := f.onQuery
	if hook != nil {
		f.mu.Unlock()
		return hook(call)
	}
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var docs []map[string]any
	for _, doc := range f.col(collection) {
		docs = append(docs, doc)
	}
	return docs, nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls[collection+"/"+id]++
	if f.failAll != nil {
		return f.failAll
	}
	delete(f.col(collection), id)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failAll
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	f.failAll = err
	f.mu.Unlock()
}

func (f *fakeRemote) docCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.col(collection))
}

type testEnv struct {
	svc    *ChallengeService
	remote *fakeRemote
	cache  *cache.ChallengeCache
	conn   *connectivity.Monitor
	bus    *bus.Bus
	now    time.Time
	nowMu  sync.Mutex
}

func (e *testEnv) setNow(t time.Time) {
	e.nowMu.Lock()
	e.now = t
	e.nowMu.Unlock()
}

func (e *testEnv) advanceDays(n int) {
	e.nowMu.Lock()
	e.now = e.now.AddDate(0, 0, n)
	e.nowMu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	localCache, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { localCache.Close() })

	env := &testEnv{
		remote: newFakeRemote(),
		cache:  localCache,
		conn:   connectivity.NewMonitor(),
		bus:    bus.New(),
		now:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	entitlements := quota.NewBoundedChecker(quota.NewStoreEntitlement(env.remote), time.Second)
	env.svc = NewChallengeService(
		env.remote, localCache, env.conn, env.bus,
		checkin.DefaultRules(), quota.DefaultPolicy(), entitlements,
	)
	env.svc.SetClock(func() time.Time {
		env.nowMu.Lock()
		defer env.nowMu.Unlock()
		return env.now
	})
	return env
}

const testUser = "user_abc"

func TestSaveRequiresAuthenticatedUser(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.Save(context.Background(), "", &challenge.Challenge{ID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
}

func TestCreatePersistsAndSorts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Create(ctx, testUser, "Read daily")
	require.NoError(t, err)
	env.setNow(time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC))
	second, err := env.svc.Create(ctx, testUser, "Run daily")
	require.NoError(t, err)

	list := env.svc.Active(testUser)
	require.Len(t, list, 2)
	// Most recently modified first.
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, challenge.SyncSynced, list[0].SyncState)
	assert.Equal(t, 2, env.remote.docCount("users/"+testUser+"/challenges"))
}

func TestQuotaEnforcedForFreeUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testUser, "one")
	require.NoError(t, err)
	_, err = env.svc.Create(ctx, testUser, "two")
	require.NoError(t, err)

	_, err = env.svc.Create(ctx, testUser, "three")
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	var qe *apperr.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 2, qe.Active)
	assert.Len(t, env.svc.Active(testUser), 2)
}

func TestQuotaBypassedForEntitledUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Premium flag on the user document in the remote store.
	require.NoError(t, env.remote.Set(ctx, "users", testUser, map[string]any{"premium": true}))

	for i, title := range []string{"one", "two", "three", "four"} {
		_, err := env.svc.Create(ctx, testUser, title)
		require.NoError(t, err, "create %d", i+1)
	}
	assert.Len(t, env.svc.Active(testUser), 4)
}

func TestCheckInLinearizedUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "Meditate")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.CheckIn(ctx, testUser, c.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var accepted, rejected int
	for err := range results {
		if err == nil {
			accepted++
		} else if errors.Is(err, apperr.ErrAlreadyCheckedIn) {
			rejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)

	got, err := env.svc.Get(testUser, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DaysCompleted)
	assert.Equal(t, 1, got.StreakCount)
}

func TestCheckInUnknownChallenge(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.EnsureSession(context.Background(), testUser))

	_, err := env.svc.CheckIn(context.Background(), testUser, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSortOrderArchivedLast(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	env.setNow(t0.Add(time.Hour)) // t1
	a := &challenge.Challenge{ID: uuid.New(), Title: "A", Archived: true}
	require.NoError(t, env.svc.Save(ctx, testUser, a))

	env.setNow(t0)
	b := &challenge.Challenge{ID: uuid.New(), Title: "B"}
	require.NoError(t, env.svc.Save(ctx, testUser, b))

	env.setNow(t0.Add(2 * time.Hour)) // t2
	c := &challenge.Challenge{ID: uuid.New(), Title: "C"}
	require.NoError(t, env.svc.Save(ctx, testUser, c))

	list := env.svc.All(testUser)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"C", "B", "A"}, []string{list[0].Title, list[1].Title, list[2].Title})
}

func TestOfflineSaveAppliesLocallyAndFlushesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.conn.SetOnline(false)

	one, err := env.svc.Create(ctx, testUser, "offline one")
	require.NoError(t, err)
	two, err := env.svc.Create(ctx, testUser, "offline two")
	require.NoError(t, err)

	// Applied to memory immediately, flagged unsynced, nothing remote.
	list := env.svc.Active(testUser)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.Equal(t, challenge.SyncPending, c.SyncState)
	}
	assert.Equal(t, 0, env.remote.docCount("users/"+testUser+"/challenges"))

	// Mirrored to cache: a fresh session sees the offline edits.
	env.svc.EndSession(testUser)
	require.NoError(t, env.svc.EnsureSession(ctx, testUser))
	require.Len(t, env.svc.Active(testUser), 2)

	// Reconnect and flush: exactly one remote write per pending mutation.
	env.conn.SetOnline(true)
	require.NoError(t, env.svc.FlushPending(ctx, testUser))

	col := "users/" + testUser + "/challenges"
	assert.Equal(t, 1, env.remote.setCalls[col+"/"+one.ID.String()])
	assert.Equal(t, 1, env.remote.setCalls[col+"/"+two.ID.String()])

	for _, c := range env.svc.Active(testUser) {
		assert.Equal(t, challenge.SyncSynced, c.SyncState)
	}

	// A refresh after the flush is consistent with the offline edits.
	require.NoError(t, env.svc.Refresh(ctx, testUser))
	assert.Len(t, env.svc.Active(testUser), 2)
}

func TestOfflineDeleteQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "doomed")
	require.NoError(t, err)

	env.conn.SetOnline(false)
	require.NoError(t, env.svc.Delete(ctx, testUser, c.ID))
	assert.Empty(t, env.svc.All(testUser))
	assert.Equal(t, 1, env.remote.docCount("users/"+testUser+"/challenges"))

	env.conn.SetOnline(true)
	require.NoError(t, env.svc.FlushPending(ctx, testUser))
	assert.Equal(t, 0, env.remote.docCount("users/"+testUser+"/challenges"))
}

func TestOfflineDeleteSurvivesSessionEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "doomed")
	require.NoError(t, err)

	env.conn.SetOnline(false)
	require.NoError(t, env.svc.Delete(ctx, testUser, c.ID))

	// The queued delete must survive sign-out: a fresh session rebuilt from
	// the cache still knows the challenge is gone and still owes the remote
	// a delete.
	env.svc.EndSession(testUser)
	env.conn.SetOnline(true)
	require.NoError(t, env.svc.EnsureSession(ctx, testUser))
	assert.Empty(t, env.svc.All(testUser))

	require.NoError(t, env.svc.FlushPending(ctx, testUser))
	assert.Equal(t, 0, env.remote.docCount("users/"+testUser+"/challenges"))

	require.NoError(t, env.svc.Refresh(ctx, testUser))
	assert.Empty(t, env.svc.All(testUser))
}

func TestConcurrentCreatesRespectQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testUser, "one")
	require.NoError(t, err)

	// One free slot left; of two racing creates exactly one may take it.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, title := range []string{"racer-a", "racer-b"} {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			_, err := env.svc.Create(ctx, testUser, title)
			results <- err
		}(title)
	}
	wg.Wait()
	close(results)

	var created, rejected int
	for err := range results {
		if err == nil {
			created++
		} else if errors.Is(err, apperr.ErrQuotaExceeded) {
			rejected++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, rejected)
	assert.Len(t, env.svc.Active(testUser), 2)
}

func TestDeleteUnknownChallenge(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.svc.EnsureSession(context.Background(), testUser))
	err := env.svc.Delete(context.Background(), testUser, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRefreshKeepsCachedListOnRemoteFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "survivor")
	require.NoError(t, err)

	env.remote.fail(errors.New("backend down"))
	env.conn.SetOnline(true)
	err = env.svc.Refresh(ctx, testUser)
	require.ErrorIs(t, err, apperr.ErrNetwork)

	// The locally known list remains authoritative for this session.
	list := env.svc.All(testUser)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Error(t, env.svc.LastSyncError(testUser))
}

func TestRefreshLatestWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := &challenge.Challenge{ID: uuid.New(), Title: "stale", OwnerID: testUser}
	fresh := &challenge.Challenge{ID: uuid.New(), Title: "fresh", OwnerID: testUser}
	staleDoc, err := stale.ToDoc()
	require.NoError(t, err)
	freshDoc, err := fresh.ToDoc()
	require.NoError(t, err)

	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	env.remote.onQuery = func(call int) ([]map[string]any, error) {
		if call == 1 {
			close(firstStarted)
			<-releaseFirst
			return []map[string]any{staleDoc}, nil
		}
		return []map[string]any{freshDoc}, nil
	}

	done := make(chan error, 1)
	go func() { done <- env.svc.Refresh(ctx, testUser) }()
	<-firstStarted

	// The second refresh supersedes the first.
	require.NoError(t, env.svc.Refresh(ctx, testUser))
	list := env.svc.All(testUser)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].Title)

	// Let the stale fetch finish: its result must be discarded.
	close(releaseFirst)
	require.NoError(t, <-done)

	list = env.svc.All(testUser)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].Title)
}

func TestRefreshResetsExpiredStreaks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "gappy")
	require.NoError(t, err)
	_, err = env.svc.CheckIn(ctx, testUser, c.ID)
	require.NoError(t, err)

	// Two days later the streak has expired; refresh notices and zeroes it.
	env.advanceDays(2)
	require.NoError(t, env.svc.Refresh(ctx, testUser))

	got, err := env.svc.Get(testUser, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StreakCount)
	assert.False(t, got.CompletedToday)
	assert.Equal(t, 1, got.DaysCompleted)
}

func TestRefreshResetWritesDoNotBlockMutations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gappy, err := env.svc.Create(ctx, testUser, "gappy")
	require.NoError(t, err)
	_, err = env.svc.CheckIn(ctx, testUser, gappy.ID)
	require.NoError(t, err)
	steady, err := env.svc.Create(ctx, testUser, "steady")
	require.NoError(t, err)

	// Two days later gappy's streak has expired; refresh will push the
	// reset back to the remote store. Stall that write and verify other
	// mutations still go through.
	env.advanceDays(2)

	resetStarted := make(chan struct{})
	releaseReset := make(chan struct{})
	var once sync.Once
	env.remote.onSet = func(_, id string) {
		if id != gappy.ID.String() {
			return
		}
		once.Do(func() { close(resetStarted) })
		<-releaseReset
	}

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- env.svc.Refresh(ctx, testUser) }()
	<-resetStarted

	checkInDone := make(chan error, 1)
	go func() {
		_, err := env.svc.CheckIn(ctx, testUser, steady.ID)
		checkInDone <- err
	}()
	select {
	case err := <-checkInDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check-in blocked behind an in-flight reset write")
	}

	close(releaseReset)
	require.NoError(t, <-refreshDone)

	got, err := env.svc.Get(testUser, gappy.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StreakCount)
}

func TestRefreshCancelledBySignOutKeepsMonitorOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testUser, "kept")
	require.NoError(t, err)

	// A fetch aborted by session cancellation says nothing about the
	// network; the monitor must stay online and no sync error is recorded.
	env.remote.onQuery = func(call int) ([]map[string]any, error) {
		return nil, context.Canceled
	}
	require.NoError(t, env.svc.Refresh(ctx, testUser))
	assert.True(t, env.conn.Online())
	assert.NoError(t, env.svc.LastSyncError(testUser))
	assert.Len(t, env.svc.All(testUser), 1)
}

func TestRefreshWhileOfflineIsCacheOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testUser, "cached")
	require.NoError(t, err)

	env.conn.SetOnline(false)
	queriesBefore := env.remote.queryCalls
	require.NoError(t, env.svc.Refresh(ctx, testUser))
	assert.Equal(t, queriesBefore, env.remote.queryCalls, "offline refresh must not hit the network")
	assert.Len(t, env.svc.All(testUser), 1)
}

func TestEndSessionRetainsCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c, err := env.svc.Create(ctx, testUser, "persisted")
	require.NoError(t, err)

	env.svc.EndSession(testUser)
	assert.Empty(t, env.svc.SessionUserIDs())

	require.NoError(t, env.svc.EnsureSession(ctx, testUser))
	got, err := env.svc.Get(testUser, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
}

func TestChangeNotificationAfterMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ch, cancel := env.bus.Subscribe()
	defer cancel()

	_, err := env.svc.Create(ctx, testUser, "notify me")
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification after create")
	}

	// Observers read post-mutation state.
	assert.Len(t, env.svc.Active(testUser), 1)
}
