package helpers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"centumAPI/internal/apperr"
	"centumAPI/internal/bus"
	"centumAPI/internal/cache"
	"centumAPI/internal/checkin"
	"centumAPI/internal/connectivity"
	"centumAPI/internal/quota"
	"centumAPI/internal/remote"
	"centumAPI/services"

	"github.com/google/uuid"
)

// FakeRemote is an in-memory remote.DocumentStore for integration tests.
// Set Offline to make every call fail like a dropped connection.
type FakeRemote struct {
	mu      sync.Mutex
	docs    map[string]map[string]map[string]any
	Offline bool
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{docs: make(map[string]map[string]map[string]any)}
}

func (f *FakeRemote) collection(name string) map[string]map[string]any {
	c, ok := f.docs[name]
	if !ok {
		c = make(map[string]map[string]any)
		f.docs[name] = c
	}
	return c
}

func (f *FakeRemote) failure() error {
	if f.Offline {
		return apperr.Network(context.DeadlineExceeded)
	}
	return nil
}

func (f *FakeRemote) Create(ctx context.Context, collection string, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	f.collection(collection)[id] = doc
	return id, nil
}

func (f *FakeRemote) Set(ctx context.Context, collection, id string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return err
	}
	f.collection(collection)[id] = doc
	return nil
}

func (f *FakeRemote) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return nil, err
	}
	doc, ok := f.collection(collection)[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return doc, nil
}

func (f *FakeRemote) Query(ctx context.Context, collection, field, op string, value any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, doc := range f.collection(collection) {
		out = append(out, doc)
	}
	return out, nil
}

func (f *FakeRemote) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(); err != nil {
		return err
	}
	delete(f.collection(collection), id)
	return nil
}

func (f *FakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure()
}

// SetPremium marks a user as entitled in the fake remote, the same way
// production reads it from the users collection.
func (f *FakeRemote) SetPremium(userID string, premium bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collection("users")[userID] = map[string]any{"premium": premium}
}

// DocCount reports how many documents a collection holds.
func (f *FakeRemote) DocCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collection(collection))
}

// Engine bundles the wired service stack for integration tests.
type Engine struct {
	Remote  *FakeRemote
	Monitor *connectivity.Monitor
	Changes *bus.Bus
	Service *services.ChallengeService
	Rules   checkin.Rules
}

// SetupEngine builds a challenge service over a fake remote and a
// throwaway sqlite cache.
func SetupEngine(t *testing.T) *Engine {
	t.Helper()

	fake := NewFakeRemote()

	localCache, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { localCache.Close() })

	monitor := connectivity.NewMonitor()
	changes := bus.New()
	rules := checkin.DefaultRules()

	entitlements := quota.NewBoundedChecker(
		quota.NewStoreEntitlement(fake),
		quota.DefaultCheckTimeout,
	)

	svc := services.NewChallengeService(
		fake, localCache, monitor, changes, rules, quota.DefaultPolicy(), entitlements,
	)

	return &Engine{
		Remote:  fake,
		Monitor: monitor,
		Changes: changes,
		Service: svc,
		Rules:   rules,
	}
}

var _ remote.DocumentStore = (*FakeRemote)(nil)
