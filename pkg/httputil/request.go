package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps request bodies; mutating operations receive small
// structured input only.
const maxBodyBytes = 1 << 20

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes an error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// PathVar extracts a path variable from the request
func PathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// GetPathVars returns all path variables for the request
func GetPathVars(r *http.Request) map[string]string {
	return mux.Vars(r)
}

// BearerToken extracts the token from an Authorization header.
// Returns "" when the header is absent or not a bearer credential.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
