package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"flagdeck/internal/domain"
	"flagdeck/internal/engine/auth"
	"flagdeck/internal/repo"
)

var knownPermissions = map[string]bool{
	auth.PermFlagsRead:  true,
	auth.PermFlagsWrite: true,
	auth.PermAdmin:      true,
}

// CreateAPIKey mints a key for actorID. The plaintext key is only returned
// here; the database keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, perms []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor id required")
	}
	if len(perms) == 0 {
		perms = []string{auth.PermFlagsRead}
	}
	for _, p := range perms {
		if !knownPermissions[p] {
			return domain.APIKey{}, "", fmt.Errorf("unknown permission %q", p)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "fd_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: perms,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	level.Info(e.logger()).Log("msg", "api key created", "id", key.ID, "actor", actorID)
	return key, secret, nil
}

// ListAPIKeys lists keys, optionally for one actor.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

// RevokeAPIKey deletes the key with id.
func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return fmt.Errorf("api key %s: %w", id, err)
	}
	level.Info(e.logger()).Log("msg", "api key revoked", "id", id)
	return nil
}

// LatestEvents returns recent override and settings events, newest first.
func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
