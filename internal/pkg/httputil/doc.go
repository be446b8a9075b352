// Package httputil writes the JSON bodies of the provisioning API.
//
// Errors share one envelope, {"error", "code", "details"}, where code is a
// stable machine-readable kind: validation, conflict, not_found,
// unauthorized, retry, bad_request or internal.
package httputil
