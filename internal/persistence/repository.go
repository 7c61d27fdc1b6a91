package persistence

// Repository defines the interface for keyed entity persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the strategies and services.
type Repository[T any] interface {
	// Save atomically stores the entity under id.
	Save(id string, entity *T) error

	// Load returns the entity stored under id.
	// If no entity is found, it returns (nil, nil).
	Load(id string) (*T, error)

	// Delete removes the entity. Deleting a missing id is not an error.
	Delete(id string) error

	// List returns every entity of this repository, ordered by id.
	List() ([]*T, error)
}

// Sequencer hands out strictly increasing, durable sequence numbers per name.
type Sequencer interface {
	NextSequence(name string) (uint64, error)
}

// IntentJournal records idempotency keys that were submitted to an exchange
// but whose outcome has not been written to the ledger yet.
type IntentJournal interface {
	PutIntent(key string) error
	HasIntent(key string) (bool, error)
	DeleteIntent(key string) error
}
