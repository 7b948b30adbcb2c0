package response

import (
	"encoding/json"
	"net/http"
)

// V is a convenience type for ad-hoc JSON response bodies
type V map[string]interface{}

type errorBody struct {
	Error    string   `json:"error"`
	Messages []string `json:"messages,omitempty"`
}

// WriteResponse will serialize result as a JSON body with a 200 status code
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

// WriteError will serialize the Error as a JSON body. Only the message and
// the status code cross the boundary, internals stay server-side
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(errorBody{
		Error:    e.Message,
		Messages: e.Messages,
	})
}
