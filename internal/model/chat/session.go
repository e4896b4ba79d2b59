package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a client-side session identifier. Uniqueness is weak:
// a millisecond timestamp plus a short random suffix.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), suffix)
}
