// Package auth handles bearer-token verification for client requests and
// context propagation of the caller identity and request correlation ID.
package auth
