package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"centumAPI/internal/apperr"
)

// FirestoreStore is the production DocumentStore, backed by Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore initializes the Firestore client. Credentials come from
// the FIREBASE_SERVICE_ACCOUNT_JSON environment variable (Base64 encoded),
// falling back to a local service account key file.
func NewFirestoreStore(ctx context.Context, localFilePath string) (*FirestoreStore, error) {
	var opt option.ClientOption

	encodedCreds := os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON")
	if encodedCreds != "" {
		decoded, err := base64.StdEncoding.DecodeString(encodedCreds)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 firebase credentials from FIREBASE_SERVICE_ACCOUNT_JSON: %v", err)
		}
		opt = option.WithCredentialsJSON(decoded)
		log.Println("Firestore: Initializing from FIREBASE_SERVICE_ACCOUNT_JSON environment variable.")
	} else {
		if _, err := os.Stat(localFilePath); os.IsNotExist(err) {
			return nil, fmt.Errorf("local firebase file not found: %s, and FIREBASE_SERVICE_ACCOUNT_JSON environment variable is not set", localFilePath)
		}
		opt = option.WithCredentialsFile(localFilePath)
		log.Printf("Firestore: Initializing from local file: %s.", localFilePath)
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting firestore client: %v", err)
	}

	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Create(ctx context.Context, collection string, doc map[string]any) (string, error) {
	ref := s.client.Collection(collection).NewDoc()
	if _, err := ref.Set(ctx, doc); err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Set(ctx context.Context, collection, id string, doc map[string]any) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, doc); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return snap.Data(), nil
}

func (s *FirestoreStore) Query(ctx context.Context, collection, field, op string, value any) ([]map[string]any, error) {
	iter := s.client.Collection(collection).Where(field, op, value).Documents(ctx)
	defer iter.Stop()

	var docs []map[string]any
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query %s where %s %s: %w", collection, field, op, err)
		}
		docs = append(docs, snap.Data())
	}
	return docs, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.client.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Ping issues the cheapest possible read to confirm the backend is
// reachable. A NotFound answer still proves connectivity.
func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.client.Collection("meta").Doc("ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
