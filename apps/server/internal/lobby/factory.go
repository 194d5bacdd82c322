package lobby

import (
	"fmt"
	"os"
	"strings"
)

const (
	LobbyModeMemory = "memory"
	LobbyModeSQLite = "sqlite"
	LobbyModeDB     = "db"
)

// lobbyModeFromEnv falls back to AUTH_MODE so a single variable can
// drive both services in simple deployments.
func lobbyModeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("LOBBY_MODE")))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	}
	switch raw {
	case "", LobbyModeDB, "postgres", "postgresql":
		return LobbyModeDB
	case LobbyModeMemory, "mem":
		return LobbyModeMemory
	case LobbyModeSQLite, "local":
		return LobbyModeSQLite
	default:
		return raw
	}
}

func NewServiceFromEnv() (Service, string, error) {
	mode := lobbyModeFromEnv()

	switch mode {
	case LobbyModeDB:
		service, err := NewPostgresServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return service, mode, nil
	case LobbyModeSQLite:
		service, err := NewSQLiteServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return service, mode, nil
	case LobbyModeMemory:
		return NewMemory(), mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid LOBBY_MODE %q (supported: %s, %s, %s)", mode, LobbyModeMemory, LobbyModeSQLite, LobbyModeDB)
	}
}
