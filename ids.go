package chatsync

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-generated message ids. Server ids never start
// with it.
const TempIDPrefix = "tmp~"

var tempSeq atomic.Uint64

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return fmt.Sprintf("%s%d-%d", TempIDPrefix, time.Now().UnixMilli(), tempSeq.Add(1))
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// newClientID returns the per-send idempotency key forwarded to the server.
func newClientID() string {
	return uuid.NewString()
}
