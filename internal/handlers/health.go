package handlers

import (
	"net/http"

	"github.com/gluk-w/shellmux/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if err := database.Ping(database.DB); err == nil {
		dbStatus = "connected"
	}

	shells := 0
	if Mux != nil {
		shells = Mux.ShellCount()
	}
	tunnels := 0
	if Tunnel != nil {
		tunnels = Tunnel.SessionCount()
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "connected" || Mux == nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"shells":          shells,
		"tunnel_sessions": tunnels,
	})
}
