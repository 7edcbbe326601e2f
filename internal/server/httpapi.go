package server

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Response is the body of every non-204 ingest response.
type Response struct {
	Message string  `json:"message"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Issue is one schema violation, addressed by its JSON path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// write outputs a JSON body with the given status.
func write(rw http.ResponseWriter, status int, response any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	err := enc.Encode(response)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	_, _ = rw.Write(buf.Bytes())
}
