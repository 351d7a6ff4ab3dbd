// Package server implements the authentication core of api-guard: the
// principal resolver, password registration and login, bearer token
// authentication, rate-limit decisions and the ownership check used by
// resource operations.
//
// Every operation returns *Error carrying a Kind. The kinds
// InvalidCredentials, TokenExpired, TokenInvalid and PrincipalNotFound exist
// for logs and metrics only; the HTTP layer reports all of them with the same
// response. Every authentication failure is also recorded on the security
// monitor so repeated failures raise an alert.
//
// The server owns no HTTP surface. See the root guard package for the
// middleware and handlers.
package server
