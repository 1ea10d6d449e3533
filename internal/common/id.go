package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a run identifier for a job key.
// Format: run_<key>_<uuid-fragment>. The key portion is sanitized so the id
// is safe to use in URLs and filenames.
func NewRunID(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, k)
	return fmt.Sprintf("run_%s_%s", k, uuid.New().String()[:8])
}

// NewSessionKey generates a client-side job key for history-tracked runs.
// These keys are never reused.
func NewSessionKey() string {
	return "job_" + uuid.New().String()
}

// NewGlobalMergeID mints a correlation id for a cross-job merge.
func NewGlobalMergeID() string {
	return fmt.Sprintf("global-merge-%d", time.Now().UnixMilli())
}
