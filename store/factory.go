package store

import "fmt"

// NewInstanceStore creates a new InstanceStore based on the configuration
func NewInstanceStore(config Config) (InstanceStore, error) {
	switch config.Type {
	case StoreTypeMemory:
		return NewMemoryInstanceStore(config), nil
	case StoreTypeFile:
		return NewFileInstanceStore(config)
	case StoreTypeRedis:
		return NewRedisInstanceStore(config)
	default:
		return nil, fmt.Errorf("unsupported instance store type: %s", config.Type)
	}
}
