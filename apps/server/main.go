package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"cabo-lite/apps/server/internal/auth"
	"cabo-lite/apps/server/internal/gateway"
	"cabo-lite/apps/server/internal/lobby"
	"cabo-lite/apps/server/internal/room"
	"cabo-lite/apps/server/internal/store"
)

func main() {
	authService, authMode, err := auth.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("[Server] Failed to init auth service: %v", err)
	}
	defer authService.Close()
	storeService, storeMode, err := store.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("[Server] Failed to init game store: %v", err)
	}
	defer storeService.Close()
	lobbyService, lobbyMode, err := lobby.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("[Server] Failed to init lobby: %v", err)
	}
	defer lobbyService.Close()

	gw := gateway.New(authService, lobbyService, storeService)
	defer gw.Close()
	manager := room.NewManager(storeService, lobbyService, gw)
	defer manager.Shutdown()
	gw.SetRooms(manager)

	// Games interrupted by a restart resume from their latest checkpoint
	// before the server accepts traffic.
	if err := manager.RestoreAll(context.Background()); err != nil {
		log.Fatalf("[Server] Failed to restore games: %v", err)
	}

	authHTTP := auth.NewHTTPHandler(authService)
	lobbyHTTP := lobby.NewHTTPHandler(lobbyService, authService, manager)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	authHTTP.RegisterRoutes(mux)
	lobbyHTTP.RegisterRoutes(mux)

	addr := ":" + envOrDefault("PORT", "8080")
	log.Printf("[Server] Auth mode: %s", authMode)
	log.Printf("[Server] Store mode: %s", storeMode)
	log.Printf("[Server] Lobby mode: %s", lobbyMode)
	log.Printf("[Server] Starting WebSocket server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
