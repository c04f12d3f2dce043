// Package identity holds the caller identity primitives shared by every
// component: the opaque Address type and the bearer tokens that bind an
// HTTP caller to an Address.
//
// It provides:
//   - Address: account key compared by equality only
//   - TokenIssuer: issues and verifies HS256 JWT caller tokens
//   - RequireToken: Gin middleware enforcing a Bearer caller token
package identity
