package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"centumAPI/internal/apperr"
	"centumAPI/internal/bus"
	"centumAPI/internal/cache"
	"centumAPI/internal/challenge"
	"centumAPI/internal/checkin"
	"centumAPI/internal/connectivity"
	"centumAPI/internal/quota"
	"centumAPI/internal/remote"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	flushBaseBackoff = 500 * time.Millisecond
	flushMaxRetries  = 5
)

// ChallengeService is the single source of truth for each signed-in user's
// challenge list. It mediates between the remote document store, the local
// cache mirror, and the connectivity monitor, and fans out a payload-less
// change signal after every successful mutation. All list mutations for one
// user are serialized under that user's session lock.
type ChallengeService struct {
	remote       remote.DocumentStore
	cache        *cache.ChallengeCache
	conn         *connectivity.Monitor
	changes      *bus.Bus
	rules        checkin.Rules
	policy       quota.Policy
	entitlements *quota.BoundedChecker
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*userSession
}

// cacheEnvelope is the serialized form of a session in the local cache.
// Pending delete tombstones ride along with the list so queued offline
// deletes survive session end and process restarts.
type cacheEnvelope struct {
	Challenges     []*challenge.Challenge `json:"challenges"`
	PendingDeletes []uuid.UUID            `json:"pending_deletes,omitempty"`
}

// userSession owns one user's in-memory list and its sync bookkeeping.
type userSession struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	challenges     []*challenge.Challenge
	pendingDeletes map[uuid.UUID]struct{}
	refreshGen     uint64
	refreshCancel  context.CancelFunc
	lastSyncErr    error
}

func NewChallengeService(
	store remote.DocumentStore,
	localCache *cache.ChallengeCache,
	monitor *connectivity.Monitor,
	changes *bus.Bus,
	rules checkin.Rules,
	policy quota.Policy,
	entitlements *quota.BoundedChecker,
) *ChallengeService {
	return &ChallengeService{
		remote:       store,
		cache:        localCache,
		conn:         monitor,
		changes:      changes,
		rules:        rules,
		policy:       policy,
		entitlements: entitlements,
		now:          time.Now,
		sessions:     make(map[string]*userSession),
	}
}

// EnsureSession creates (or returns) the session for userID, loading the
// cached list so reads have data before the first remote fetch completes.
func (s *ChallengeService) EnsureSession(ctx context.Context, userID string) error {
	_, err := s.session(ctx, userID)
	return err
}

func (s *ChallengeService) session(ctx context.Context, userID string) (*userSession, error) {
	if userID == "" {
		return nil, apperr.ErrNotAuthenticated
	}

	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		sessCtx, cancel := context.WithCancel(context.Background())
		sess = &userSession{
			userID:         userID,
			ctx:            sessCtx,
			cancel:         cancel,
			pendingDeletes: make(map[uuid.UUID]struct{}),
		}
		s.sessions[userID] = sess
	}
	s.mu.Unlock()

	if !ok {
		s.loadCache(ctx, sess)
	}
	return sess, nil
}

// loadCache seeds a fresh session from the local mirror. Cache reads are
// synchronous and never touch the network.
func (s *ChallengeService) loadCache(ctx context.Context, sess *userSession) {
	payload, found, err := s.cache.Load(ctx, sess.userID)
	if err != nil {
		log.Printf("ChallengeService: cache load failed for %s: %v", sess.userID, err)
		return
	}
	if !found {
		return
	}

	var env cacheEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("ChallengeService: corrupt cache entry for %s, discarding: %v", sess.userID, err)
		return
	}

	now := s.now()
	for _, c := range env.Challenges {
		s.rules.RecomputeToday(c, now)
	}
	challenge.SortChallenges(env.Challenges)

	sess.mu.Lock()
	sess.challenges = env.Challenges
	for _, id := range env.PendingDeletes {
		sess.pendingDeletes[id] = struct{}{}
	}
	sess.mu.Unlock()
	s.changes.Publish()
}

// Refresh loads the cache-backed list immediately, then, if connected,
// fetches the user's challenge collection from the remote store. A newer
// Refresh supersedes an in-flight one: the older fetch is cancelled and its
// result, should it still arrive, is discarded (last-writer-wins by call
// order). On remote failure the cached list stays authoritative and the
// error is surfaced.
func (s *ChallengeService) Refresh(ctx context.Context, userID string) error {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return err
	}

	if !s.conn.Online() {
		return nil
	}

	sess.mu.Lock()
	sess.refreshGen++
	gen := sess.refreshGen
	if sess.refreshCancel != nil {
		sess.refreshCancel()
	}
	// Tie the fetch to the session, not the request: signing out cancels it,
	// a caller hanging up does not. refreshCancel stays set after the fetch
	// so a newer refresh also cancels this generation's follow-up writes.
	fetchCtx, cancel := context.WithCancel(sess.ctx)
	sess.refreshCancel = cancel
	sess.mu.Unlock()
	defer cancel()

	docs, fetchErr := s.remote.Query(fetchCtx, remote.ChallengeCollection(userID), "owner_id", "==", userID)

	sess.mu.Lock()
	if sess.refreshGen != gen {
		// A newer refresh won the race; this result must not overwrite it.
		sess.mu.Unlock()
		return nil
	}

	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) {
			// The session ended mid-fetch. Not a connectivity signal.
			sess.mu.Unlock()
			return nil
		}
		sess.lastSyncErr = fetchErr
		sess.mu.Unlock()
		s.conn.SetOnline(false)
		return apperr.Network(fetchErr)
	}
	sess.lastSyncErr = nil

	now := s.now()
	fetched := make([]*challenge.Challenge, 0, len(docs))
	var resets []*challenge.Challenge
	for _, doc := range docs {
		c, err := challenge.FromDoc(doc)
		if err != nil {
			log.Printf("ChallengeService: skipping undecodable challenge doc for %s: %v", userID, err)
			continue
		}
		c.SyncState = challenge.SyncSynced
		s.rules.RecomputeToday(c, now)
		if s.rules.ResetIfMissed(c, now) {
			resets = append(resets, c.Clone())
		}
		fetched = append(fetched, c)
	}

	merged := s.overlayPendingLocked(sess, fetched)
	challenge.SortChallenges(merged)
	sess.challenges = merged
	s.mirrorCacheLocked(ctx, sess)
	sess.mu.Unlock()

	s.conn.SetOnline(true)
	s.changes.Publish()

	// Push idle-maintenance streak resets after releasing the lock so a
	// slow network cannot stall concurrent mutations. The fetch context
	// scopes them: a newer refresh or a sign-out cancels the writes.
	for _, c := range resets {
		s.persistReset(fetchCtx, sess, c)
	}
	return nil
}

// overlayPendingLocked re-applies local mutations the remote has not
// confirmed yet, so a refresh racing the retry queue cannot clobber
// offline edits. Locally deleted challenges stay deleted.
func (s *ChallengeService) overlayPendingLocked(sess *userSession, fetched []*challenge.Challenge) []*challenge.Challenge {
	byID := make(map[uuid.UUID]int, len(fetched))
	for i, c := range fetched {
		byID[c.ID] = i
	}

	for _, local := range sess.challenges {
		if local.SyncState == challenge.SyncSynced {
			continue
		}
		if i, ok := byID[local.ID]; ok {
			fetched[i] = local
		} else {
			fetched = append(fetched, local)
		}
	}

	if len(sess.pendingDeletes) > 0 {
		kept := fetched[:0]
		for _, c := range fetched {
			if _, gone := sess.pendingDeletes[c.ID]; !gone {
				kept = append(kept, c)
			}
		}
		fetched = kept
	}
	return fetched
}

// persistReset pushes an idle-maintenance streak reset back to the remote
// store. Best effort: on failure the challenge is flagged pending and the
// retry queue picks it up. Runs without the session lock; c is a clone.
func (s *ChallengeService) persistReset(ctx context.Context, sess *userSession, c *challenge.Challenge) {
	doc, err := c.ToDoc()
	if err != nil {
		log.Printf("ChallengeService: encode reset for %s: %v", c.ID, err)
		return
	}
	if err := s.remote.Set(ctx, remote.ChallengeCollection(sess.userID), c.ID.String(), doc); err != nil {
		log.Printf("ChallengeService: persist streak reset for %s failed, queuing: %v", c.ID, err)
		s.setSyncState(sess, c.ID, c.LastModified, challenge.SyncPending)
	}
}

// Create builds a new challenge for userID after consulting the quota
// policy. The entitlement lookup is bounded: if it cannot answer in time the
// user is treated as free tier.
func (s *ChallengeService) Create(ctx context.Context, userID, title string) (*challenge.Challenge, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	// The entitlement lookup may touch the network, so it runs before the
	// session lock. The active count and the insert share one critical
	// section: two racing Creates cannot both pass the same free slot.
	entitled := s.entitlements.Entitled(ctx, userID)

	now := s.now()
	c := &challenge.Challenge{
		ID:           uuid.New(),
		OwnerID:      userID,
		Title:        title,
		StartDate:    now,
		LastModified: now,
		SyncState:    challenge.SyncPending,
	}

	sess.mu.Lock()
	active := 0
	for _, existing := range sess.challenges {
		if !existing.Archived {
			active++
		}
	}
	if !s.policy.CanCreate(active, entitled) {
		sess.mu.Unlock()
		return nil, &apperr.QuotaError{Limit: s.policy.FreeLimit, Active: active}
	}
	s.upsertLocked(sess, c.Clone())
	s.mirrorCacheLocked(ctx, sess)
	sess.mu.Unlock()

	s.changes.Publish()
	challengeCreatesTotal.Inc()

	if s.conn.Online() {
		synced := c.Clone()
		synced.SyncState = challenge.SyncSynced // the synced form is what the remote stores
		doc, err := synced.ToDoc()
		if err != nil {
			return nil, err
		}
		if err := s.remote.Set(ctx, remote.ChallengeCollection(userID), c.ID.String(), doc); err != nil {
			log.Printf("ChallengeService: remote save of %s failed, applying optimistically: %v", c.ID, err)
			s.conn.SetOnline(false)
		} else {
			s.markSynced(ctx, sess, c.ID, c.LastModified)
			c.SyncState = challenge.SyncSynced
		}
	}
	return c.Clone(), nil
}

// Save persists c remotely keyed by its id, then upserts it into the
// in-memory list and the cache mirror together and notifies observers.
// When offline, or when the remote leg fails, the mutation still applies
// locally with SyncState pending and is retried once connectivity returns.
func (s *ChallengeService) Save(ctx context.Context, userID string, c *challenge.Challenge) error {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return err
	}
	if c.OwnerID == "" {
		c.OwnerID = userID
	}
	c.LastModified = s.now()
	c.SyncState = challenge.SyncSynced

	doc, err := c.ToDoc()
	if err != nil {
		return err
	}

	if s.conn.Online() {
		if err := s.remote.Set(ctx, remote.ChallengeCollection(userID), c.ID.String(), doc); err != nil {
			log.Printf("ChallengeService: remote save of %s failed, applying optimistically: %v", c.ID, err)
			s.conn.SetOnline(false)
			c.SyncState = challenge.SyncPending
		}
	} else {
		c.SyncState = challenge.SyncPending
	}

	sess.mu.Lock()
	s.upsertLocked(sess, c.Clone())
	s.mirrorCacheLocked(ctx, sess)
	sess.mu.Unlock()

	s.changes.Publish()
	return nil
}

// Delete removes the challenge remotely and locally. Unknown ids fail with
// ErrNotFound. An offline delete applies locally at once and the remote leg
// is queued.
func (s *ChallengeService) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	existing := findLocked(sess, id)
	sess.mu.Unlock()
	if existing == nil {
		return apperr.ErrNotFound
	}

	deleted := true
	if s.conn.Online() {
		if err := s.remote.Delete(ctx, remote.ChallengeCollection(userID), id.String()); err != nil {
			log.Printf("ChallengeService: remote delete of %s failed, queuing: %v", id, err)
			s.conn.SetOnline(false)
			deleted = false
		}
	} else {
		deleted = false
	}

	sess.mu.Lock()
	removeLocked(sess, id)
	if !deleted {
		sess.pendingDeletes[id] = struct{}{}
	}
	s.mirrorCacheLocked(ctx, sess)
	sess.mu.Unlock()

	s.changes.Publish()
	return nil
}

// CheckIn runs the check-in state machine for the challenge with the given
// id and persists the result. The read-modify-write happens under the
// session lock, so of two racing check-ins exactly one succeeds and the
// other observes the updated state and rejects with ErrAlreadyCheckedIn.
func (s *ChallengeService) CheckIn(ctx context.Context, userID string, id uuid.UUID) (*challenge.Challenge, error) {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	current := findLocked(sess, id)
	if current == nil {
		sess.mu.Unlock()
		return nil, apperr.ErrNotFound
	}

	next := current.Clone()
	if err := s.rules.Apply(next, s.now()); err != nil {
		sess.mu.Unlock()
		checkInsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// Commit memory and cache together before the remote leg so the UI
	// reflects the accepted check-in immediately.
	next.SyncState = challenge.SyncPending
	s.upsertLocked(sess, next.Clone())
	s.mirrorCacheLocked(ctx, sess)
	sess.mu.Unlock()
	s.changes.Publish()
	checkInsTotal.WithLabelValues("accepted").Inc()

	if s.conn.Online() {
		doc, err := next.ToDoc()
		if err != nil {
			return nil, err
		}
		if err := s.remote.Set(ctx, remote.ChallengeCollection(userID), id.String(), doc); err != nil {
			log.Printf("ChallengeService: remote check-in write for %s failed, queuing: %v", id, err)
			s.conn.SetOnline(false)
		} else {
			s.markSynced(ctx, sess, id, next.LastModified)
			next.SyncState = challenge.SyncSynced
		}
	}

	return next.Clone(), nil
}

// markSynced clears the pending flag, but only if the challenge has not
// been mutated again since the write we just confirmed.
func (s *ChallengeService) markSynced(ctx context.Context, sess *userSession, id uuid.UUID, asOf time.Time) {
	sess.mu.Lock()
	if c := findLocked(sess, id); c != nil && c.LastModified.Equal(asOf) {
		c.SyncState = challenge.SyncSynced
		s.mirrorCacheLocked(ctx, sess)
	}
	sess.mu.Unlock()
	s.changes.Publish()
}

// FlushPending replays every queued mutation for userID against the remote
// store: one idempotent full-state write (or delete) per pending challenge,
// under bounded exponential backoff. Writes that exhaust their retries are
// marked SyncFailed rather than silently presented as confirmed.
func (s *ChallengeService) FlushPending(ctx context.Context, userID string) error {
	sess, err := s.session(ctx, userID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	var queued []*challenge.Challenge
	for _, c := range sess.challenges {
		if c.SyncState != challenge.SyncSynced {
			queued = append(queued, c.Clone())
		}
	}
	deletes := make([]uuid.UUID, 0, len(sess.pendingDeletes))
	for id := range sess.pendingDeletes {
		deletes = append(deletes, id)
	}
	sess.mu.Unlock()

	if len(queued) == 0 && len(deletes) == 0 {
		return nil
	}
	log.Printf("ChallengeService: flushing %d pending writes and %d deletes for %s", len(queued), len(deletes), userID)

	var firstErr error
	changed := false
	for _, c := range queued {
		if err := s.flushOne(ctx, userID, c); err != nil {
			log.Printf("ChallengeService: pending write for %s exhausted retries: %v", c.ID, err)
			s.setSyncState(sess, c.ID, c.LastModified, challenge.SyncFailed)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			s.setSyncState(sess, c.ID, c.LastModified, challenge.SyncSynced)
		}
		changed = true
	}

	for _, id := range deletes {
		err := s.withBackoff(ctx, func(ctx context.Context) error {
			return s.remote.Delete(ctx, remote.ChallengeCollection(userID), id.String())
		})
		if err != nil {
			log.Printf("ChallengeService: pending delete of %s exhausted retries: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sess.mu.Lock()
		delete(sess.pendingDeletes, id)
		sess.mu.Unlock()
		changed = true
	}

	if changed {
		sess.mu.Lock()
		s.mirrorCacheLocked(ctx, sess)
		sess.mu.Unlock()
		s.changes.Publish()
		pendingFlushesTotal.Inc()
	}
	if firstErr != nil {
		return apperr.Network(firstErr)
	}
	return nil
}

func (s *ChallengeService) flushOne(ctx context.Context, userID string, c *challenge.Challenge) error {
	c.SyncState = challenge.SyncSynced // the synced form is what the remote stores
	doc, err := c.ToDoc()
	if err != nil {
		return err
	}
	return s.withBackoff(ctx, func(ctx context.Context) error {
		return s.remote.Set(ctx, remote.ChallengeCollection(userID), c.ID.String(), doc)
	})
}

func (s *ChallengeService) withBackoff(ctx context.Context, op func(context.Context) error) error {
	backoff := retry.WithMaxRetries(flushMaxRetries, retry.NewExponential(flushBaseBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *ChallengeService) setSyncState(sess *userSession, id uuid.UUID, asOf time.Time, state challenge.SyncState) {
	sess.mu.Lock()
	if c := findLocked(sess, id); c != nil && c.LastModified.Equal(asOf) {
		c.SyncState = state
	}
	sess.mu.Unlock()
}

// EndSession cancels any in-flight remote work for userID and drops the
// in-memory state. The cache entry survives for the next sign-in.
func (s *ChallengeService) EndSession(userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if ok {
		delete(s.sessions, userID)
	}
	s.mu.Unlock()

	if ok {
		sess.cancel()
		log.Printf("ChallengeService: session ended for %s", userID)
	}
}

// SessionUserIDs lists users with a live session. Used by downstream
// consumers (the metrics aggregator) to know what to recompute.
func (s *ChallengeService) SessionUserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// All returns a snapshot of every challenge for userID, display-ordered.
func (s *ChallengeService) All(userID string) []*challenge.Challenge {
	return s.snapshot(userID, func(*challenge.Challenge) bool { return true })
}

// Active returns the non-archived challenges, display-ordered.
func (s *ChallengeService) Active(userID string) []*challenge.Challenge {
	return s.snapshot(userID, func(c *challenge.Challenge) bool { return !c.Archived })
}

// Archived returns the archived challenges, display-ordered.
func (s *ChallengeService) Archived(userID string) []*challenge.Challenge {
	return s.snapshot(userID, func(c *challenge.Challenge) bool { return c.Archived })
}

// Get returns the challenge with the given id or ErrNotFound.
func (s *ChallengeService) Get(userID string, id uuid.UUID) (*challenge.Challenge, error) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return nil, apperr.ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if c := findLocked(sess, id); c != nil {
		return c.Clone(), nil
	}
	return nil, apperr.ErrNotFound
}

// LastSyncError reports the most recent refresh failure, if any.
func (s *ChallengeService) LastSyncError(userID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastSyncErr
}

func (s *ChallengeService) snapshot(userID string, keep func(*challenge.Challenge) bool) []*challenge.Challenge {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*challenge.Challenge, 0, len(sess.challenges))
	for _, c := range sess.challenges {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *ChallengeService) upsertLocked(sess *userSession, c *challenge.Challenge) {
	for i, existing := range sess.challenges {
		if existing.ID == c.ID {
			sess.challenges[i] = c
			challenge.SortChallenges(sess.challenges)
			return
		}
	}
	sess.challenges = append(sess.challenges, c)
	challenge.SortChallenges(sess.challenges)
}

func (s *ChallengeService) mirrorCacheLocked(ctx context.Context, sess *userSession) {
	env := cacheEnvelope{Challenges: sess.challenges}
	for id := range sess.pendingDeletes {
		env.PendingDeletes = append(env.PendingDeletes, id)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("ChallengeService: marshal cache mirror for %s: %v", sess.userID, err)
		return
	}
	if err := s.cache.Store(ctx, sess.userID, payload); err != nil {
		log.Printf("ChallengeService: cache mirror for %s failed: %v", sess.userID, err)
	}
}

func findLocked(sess *userSession, id uuid.UUID) *challenge.Challenge {
	for _, c := range sess.challenges {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func removeLocked(sess *userSession, id uuid.UUID) {
	for i, c := range sess.challenges {
		if c.ID == id {
			sess.challenges = append(sess.challenges[:i], sess.challenges[i+1:]...)
			return
		}
	}
}

// SetClock overrides the service clock. Test hook.
func (s *ChallengeService) SetClock(now func() time.Time) {
	s.now = now
}
