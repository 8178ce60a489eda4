// Package api exposes the operator REST surface and the telephony provider
// callbacks over net/http.
package api
