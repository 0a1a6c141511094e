package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// Json is a free form JSON object.
type Json map[string]any

const maxBodySize = 1 << 16

func writeJSON(w http.ResponseWriter, code int, data any) {
	buf, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_, _ = w.Write(buf)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, Json{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}
