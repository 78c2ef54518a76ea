// Package httpmw provides HTTP middleware for the public gateway server.
//
// httpserver.NewHandler composes them with Chain, outermost first: security
// headers, recovery, request ID, client IP, tracing, policy headers, trace
// headers, metrics and the request logger. Route annotation, the access log
// and admission run inside the chi router.
//
// Query strings, user agents and credential headers are kept out of the
// logs.
package httpmw
