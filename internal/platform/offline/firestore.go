package offline

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// storedNotification is the document shape persisted in Firestore.
type storedNotification struct {
	UserID         string    `firestore:"user_id"`
	OrganizationID string    `firestore:"organization_id,omitempty"`
	Payload        []byte    `firestore:"payload"`
	Priority       int       `firestore:"priority"`
	SavedAt        time.Time `firestore:"saved_at"`
}

// FirestoreStore implements delivery.OfflineStore using Google Cloud
// Firestore: one document per notification under a per-user subcollection.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	cfg            Config
	logger         zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, collectionName string, cfg Config, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	cfg.applyDefaults()
	return &FirestoreStore{
		client:         client,
		collectionName: collectionName,
		cfg:            cfg,
		logger:         logger.With().Str("component", "firestore_offline_store").Str("collection", collectionName).Logger(),
	}, nil
}

func (s *FirestoreStore) notifications(userID string) *firestore.CollectionRef {
	return s.client.Collection(s.collectionName).Doc(userID).Collection("notifications")
}

func (s *FirestoreStore) SaveOffline(ctx context.Context, n *delivery.OfflineNotification) error {
	log := s.logger.With().Str("user", n.UserID).Str("notification", n.NotificationID).Logger()

	doc := &storedNotification{
		UserID:         n.UserID,
		OrganizationID: n.OrganizationID,
		Payload:        n.Payload,
		Priority:       n.Priority,
		SavedAt:        n.SavedAt.UTC(),
	}
	if _, err := s.notifications(n.UserID).Doc(n.NotificationID).Create(ctx, doc); err != nil {
		log.Error().Err(err).Msg("Failed to save offline notification.")
		return fmt.Errorf("failed to save offline notification: %w", err)
	}

	// Enforce the per-user cap: everything ranked past MaxPerUser in
	// priority-then-recency order is evicted.
	over, err := s.notifications(n.UserID).
		OrderBy("priority", firestore.Desc).
		OrderBy("saved_at", firestore.Desc).
		Offset(s.cfg.MaxPerUser).
		Documents(ctx).GetAll()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to check offline backlog for eviction.")
		return nil
	}
	if len(over) > 0 {
		bw := s.client.BulkWriter(ctx)
		for _, snap := range over {
			if _, err := bw.Delete(snap.Ref); err != nil {
				log.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to enqueue eviction delete.")
			}
		}
		bw.End()
		log.Info().Int("evicted", len(over)).Msg("Evicted offline notifications over cap.")
	}
	return nil
}

func (s *FirestoreStore) LoadOffline(ctx context.Context, userID string, max int) ([]*delivery.OfflineNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()

	snaps, err := s.notifications(userID).
		OrderBy("priority", firestore.Desc).
		OrderBy("saved_at", firestore.Desc).
		Limit(max).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load offline notifications: %w", err)
	}

	cutoff := time.Now().Add(-s.cfg.Retention)
	out := make([]*delivery.OfflineNotification, 0, len(snaps))
	for _, snap := range snaps {
		var stored storedNotification
		if err := snap.DataTo(&stored); err != nil {
			log.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping malformed offline notification.")
			continue
		}
		if stored.SavedAt.Before(cutoff) {
			if _, err := snap.Ref.Delete(ctx); err != nil {
				log.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to delete expired notification.")
			}
			continue
		}
		out = append(out, &delivery.OfflineNotification{
			NotificationID: snap.Ref.ID,
			UserID:         stored.UserID,
			OrganizationID: stored.OrganizationID,
			Payload:        stored.Payload,
			Priority:       stored.Priority,
			SavedAt:        stored.SavedAt,
		})
	}
	return out, nil
}

func (s *FirestoreStore) DeleteOffline(ctx context.Context, userID string, notificationID string) error {
	_, err := s.notifications(userID).Doc(notificationID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete offline notification %s: %w", notificationID, err)
	}
	return nil
}
