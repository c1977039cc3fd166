package util

import "github.com/google/uuid"

// NewID returns an opaque globally unique identifier. Used both for
// conversation (session) IDs handed to clients and for message IDs.
func NewID() string {
	return uuid.NewString()
}
