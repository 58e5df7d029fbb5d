package middleware

import (
	"encoding/json"
	"net/http"
)

var statusCodes = map[int]string{
	http.StatusUnauthorized:    "UNAUTHORIZED",
	http.StatusForbidden:       "FORBIDDEN",
	http.StatusTooManyRequests: "RATE_LIMITED",
}

// writeJSONError writes the {"error", "code"} envelope the handlers also use.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	body := map[string]string{"error": msg}
	if code, ok := statusCodes[status]; ok {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
