package utils

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// GenID returns a new message id. ULIDs are lexicographically sortable,
// which keeps version-index keys naturally ordered.
func GenID() string {
	return "msg-" + newULID()
}

// GenConversationID returns a new id for a group conversation. 1:1 threads
// use models.PairKey instead.
func GenConversationID() string {
	return "conv-" + newULID()
}

func newULID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		// crypto/rand failing is not recoverable at this layer
		panic(err)
	}
	return id.String()
}
