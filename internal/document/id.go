package document

import "github.com/google/uuid"

// IDProvider issues identifiers for recorder sessions and undo groups.
type IDProvider interface {
	NewID() (string, error)
}

// IDFunc adapts a function to IDProvider.
type IDFunc func() (string, error)

// NewID calls f.
func (f IDFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues time-ordered UUIDv7 identifiers with an optional prefix such as "session-".
func NewUUIDProvider(prefix string) IDProvider {
	return IDFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return prefix + value.String(), nil
	})
}
