// Package middleware provides the HTTP middleware chain: request IDs, panic
// recovery, and the authorization gate that resolves the caller's identity.
package middleware
