package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier of the form prefix_<32 hex chars>. An
// empty prefix yields the bare hex string.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
