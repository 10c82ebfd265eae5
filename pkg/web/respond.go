package web

import (
	"encoding/json"
	"net/http"
)

// payload is the uniform response body: success, message and any extra
// fields of the operation.
type payload map[string]any

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ok writes a successful result. Operational failures use fail, which also
// answers 200 so the console can show the message.
func ok(w http.ResponseWriter, message string, fields payload) {
	body := payload{"success": true, "message": message}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func fail(w http.ResponseWriter, message string, fields payload) {
	failStatus(w, http.StatusOK, message, fields)
}

func failStatus(w http.ResponseWriter, status int, message string, fields payload) {
	body := payload{"success": false, "message": message}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}
