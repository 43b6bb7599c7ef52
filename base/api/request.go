package api

import (
	"net/http"
)

// Request is a support struct to pool more request related information.
type Request struct {
	// Request is the http request.
	*http.Request

	// InputData contains the request body for write operations.
	InputData []byte

	// URLVars contains the URL variables extracted by the gorilla mux.
	URLVars map[string]string

	// ResponseHeader holds the response header.
	ResponseHeader http.Header
}
