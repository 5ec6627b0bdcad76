package session

import "fmt"

const (
	// MinDescriptionLength is the shortest accepted project description
	MinDescriptionLength = 10
	// MaxDescriptionLength is the longest accepted project description
	MaxDescriptionLength = 5000
)

// ValidationError rejects caller input before any state changes
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
