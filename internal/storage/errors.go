package storage

import "errors"

var (
	// ErrArtifactNotFound is returned when no artifact has the given name
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidArtifactName is returned for empty or escaping names
	ErrInvalidArtifactName = errors.New("invalid artifact name")
)
