// Package http contains the HTTP handlers of the license API. Handlers
// decode and validate requests, delegate to the service layer and translate
// domain errors into RFC 7807 responses; no business rules live here.
package http
