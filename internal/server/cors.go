package server

import "net/http"

// setCORS permits cross-origin POSTs from any page. The Origin header is
// echoed back so the browser can read the response; requests without one
// get a wildcard.
func setCORS(header http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "POST,OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
	header.Add("Vary", "Origin")
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w.Header(), r.Header.Get("Origin"))
		next.ServeHTTP(w, r)
	})
}
