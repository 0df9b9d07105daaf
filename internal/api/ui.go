package api

import (
	_ "embed"
	"net/http"
)

//go:embed ui.html
var uiPage []byte

// handleIndex serves the minimal paste page. The page is a display surface:
// it connects to /ws and answers render requests, and posts pasted or
// dropped images to the upload route.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(uiPage)
}
