// Package pseudonym maps participant identities to stable per-room
// pseudonyms.
package pseudonym

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// AnonymousPrefix marks pseudonyms that were never persisted.
const AnonymousPrefix = "anon-"

// Derive computes the pseudonym of identity in room. The value only depends
// on its inputs, so it is known before it is persisted.
func Derive(identity uuid.UUID, room string) string {
	h := sha256.New()
	h.Write(identity[:])
	h.Write([]byte(":"))
	h.Write([]byte(room))
	return hex.EncodeToString(h.Sum(nil))
}

// Anonymous returns a random process-local pseudonym.
func Anonymous() string {
	return AnonymousPrefix + uuid.NewString()
}

type Service struct {
	store  store.PseudonymStore
	logger *zap.Logger
}

func NewService(s store.PseudonymStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, logger: logger}
}

// PseudonymFor returns the pseudonym of identity in room, persisting it on
// first use. When a concurrent caller stored the pair first, the stored
// value wins.
func (s *Service) PseudonymFor(ctx context.Context, identity uuid.UUID, room string) (string, error) {
	existing, err := s.store.GetPseudonym(ctx, room, identity)
	if err == nil {
		return existing.Value, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("pseudonym lookup: %w", err)
	}

	value := Derive(identity, room)
	err = s.store.CreatePseudonym(ctx, &store.Pseudonym{Room: room, Identity: identity, Value: value})
	switch {
	case err == nil:
		s.logger.Debug("pseudonym created", zap.String("room", room))
		return value, nil
	case errors.Is(err, store.ErrAlreadyExists):
		existing, err := s.store.GetPseudonym(ctx, room, identity)
		if err != nil {
			return "", fmt.Errorf("pseudonym reread: %w", err)
		}
		return existing.Value, nil
	default:
		return "", fmt.Errorf("pseudonym create: %w", err)
	}
}
