package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"cityline/internal/repo"
)

// CreateAPIKey mints a key for an external caller and stores only its hash.
// The plaintext is returned once and never recoverable afterwards.
func (e Engine) CreateAPIKey(ctx context.Context, actor, name string) (string, error) {
	key := "ck_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	err := e.Repo.InsertAPIKey(ctx, repo.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: e.nowRFC3339(),
	})
	if err != nil {
		return "", err
	}
	e.Log.Info("api key created", "actor", actor, "name", name)
	return key, nil
}
