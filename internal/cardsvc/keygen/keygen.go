package keygen

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewKey draws a random v4 UUID and folds it into a 32 char lowercase hex
// digest. The store's unique index on key still has the final word.
func NewKey() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate key seed: %w", err)
	}
	sum := md5.Sum([]byte(id.String()))
	return hex.EncodeToString(sum[:]), nil
}

func NewBatchID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	return id.String(), nil
}
