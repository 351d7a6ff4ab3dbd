// Package token issues and verifies the signed bearer tokens used by api-guard.
//
// Tokens are HMAC-signed JWTs (HS256 by default) carrying sub, iat and exp,
// plus optional email and name. They are stateless: nothing is stored server
// side and a token stays valid until exp. A token is expired when now >= exp.
package token
