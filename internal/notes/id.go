package notes

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider returns an IDProvider issuing time-ordered UUIDv7 identifiers for audit
// records.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String(), nil
}
