package store

import (
	"fmt"
	"os"
	"strings"
)

const (
	StoreModeMemory = "memory"
	StoreModeSQLite = "sqlite"
	StoreModeDB     = "db"
)

// storeModeFromEnv falls back to AUTH_MODE so a single variable can
// drive both services in simple deployments.
func storeModeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_MODE")))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	}
	switch raw {
	case "", StoreModeDB, "postgres", "postgresql":
		return StoreModeDB
	case StoreModeMemory, "mem":
		return StoreModeMemory
	case StoreModeSQLite, "local":
		return StoreModeSQLite
	default:
		return raw
	}
}

func NewServiceFromEnv() (Service, string, error) {
	mode := storeModeFromEnv()

	switch mode {
	case StoreModeDB:
		service, err := NewPostgresServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return service, mode, nil
	case StoreModeSQLite:
		service, err := NewSQLiteServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return service, mode, nil
	case StoreModeMemory:
		return NewMemory(), mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid STORE_MODE %q (supported: %s, %s, %s)", mode, StoreModeMemory, StoreModeSQLite, StoreModeDB)
	}
}
