package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gluk-w/shellmux/internal/logutil"
	"github.com/gluk-w/shellmux/internal/multiplexer"
)

type createShellRequest struct {
	Name  string `json:"name"`
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
	Dir   string `json:"dir"`
}

const maxShellName = 64

func ListShells(w http.ResponseWriter, r *http.Request) {
	if Mux == nil {
		writeError(w, http.StatusServiceUnavailable, "Multiplexer not initialized")
		return
	}
	shells := Mux.ListShells()
	out := make([]multiplexer.ShellInfo, 0, len(shells))
	for _, s := range shells {
		out = append(out, s.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func CreateShell(w http.ResponseWriter, r *http.Request) {
	if Mux == nil {
		writeError(w, http.StatusServiceUnavailable, "Multiplexer not initialized")
		return
	}

	var body createShellRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body.Name) > maxShellName {
		writeError(w, http.StatusBadRequest, "Shell name too long")
		return
	}

	s, err := Mux.CreateShell(r.Context(), multiplexer.ShellSpec{
		Name:  body.Name,
		Shell: body.Shell,
		Cols:  body.Cols,
		Rows:  body.Rows,
		Dir:   body.Dir,
	})
	if err != nil {
		switch {
		case errors.Is(err, multiplexer.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		case errors.Is(err, multiplexer.ErrInvalidShell):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[mux] create shell %q: %v", logutil.SanitizeForLog(body.Name), err)
			writeError(w, http.StatusInternalServerError, "Failed to start shell")
		}
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

func GetShell(w http.ResponseWriter, r *http.Request) {
	id, ok := shellIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid shell ID")
		return
	}
	if Mux == nil {
		writeError(w, http.StatusServiceUnavailable, "Multiplexer not initialized")
		return
	}
	s := Mux.GetShell(id)
	if s == nil {
		writeError(w, http.StatusNotFound, "Shell not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func DeleteShell(w http.ResponseWriter, r *http.Request) {
	id, ok := shellIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid shell ID")
		return
	}
	if Mux == nil {
		writeError(w, http.StatusServiceUnavailable, "Multiplexer not initialized")
		return
	}
	if err := Mux.CloseShell(id); err != nil {
		if errors.Is(err, multiplexer.ErrShellNotFound) {
			writeError(w, http.StatusNotFound, "Shell not found")
			return
		}
		log.Printf("[mux] %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to close shell")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
