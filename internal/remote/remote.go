// Package remote wraps the remote document database behind a small
// key-value document API. The rest of the engine treats it as opaque and
// partially unreliable: any call may fail while the device is offline.
package remote

import "context"

// DocumentStore is the per-user collection CRUD surface the challenge
// service persists through. Collection paths look like
// "users/{userId}/challenges"; documents are JSON-compatible maps.
type DocumentStore interface {
	Create(ctx context.Context, collection string, doc map[string]any) (string, error)
	Set(ctx context.Context, collection, id string, doc map[string]any) error
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	Query(ctx context.Context, collection, field, op string, value any) ([]map[string]any, error)
	Delete(ctx context.Context, collection, id string) error
	Ping(ctx context.Context) error
}

// ChallengeCollection returns the per-user challenge collection path.
func ChallengeCollection(userID string) string {
	return "users/" + userID + "/challenges"
}
