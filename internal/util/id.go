package util

import "github.com/google/uuid"

// NewID returns a time-ordered UUID string, used for job and request ids.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
