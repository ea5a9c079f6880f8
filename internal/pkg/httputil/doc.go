// Package httputil provides the response writers shared by the tracking
// endpoints.
//
// Handlers use these helpers instead of raw http.ResponseWriter calls so that
// content types, error envelopes and logging stay consistent across routes.
package httputil
