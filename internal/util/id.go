package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh entity id, optionally prefixed ("task_<uuid>").
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
