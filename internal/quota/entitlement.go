package quota

import (
	"context"
	"errors"

	"centumAPI/internal/apperr"
	"centumAPI/internal/remote"
)

// StoreEntitlement reads the entitlement flag off the user's document in the
// remote store. The billing flow that sets the flag is outside this system;
// here it is only a capability check.
type StoreEntitlement struct {
	store remote.DocumentStore
}

func NewStoreEntitlement(store remote.DocumentStore) *StoreEntitlement {
	return &StoreEntitlement{store: store}
}

func (s *StoreEntitlement) IsEntitled(ctx context.Context, userID string) (bool, error) {
	doc, err := s.store.Get(ctx, "users", userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	premium, _ := doc["premium"].(bool)
	return premium, nil
}
