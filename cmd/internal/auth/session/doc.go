// Package session is Huddle's identity boundary.
//
// Tokens are PASETO v4.public, issued by the external auth service and carrying
// a stable user identity (uid, name, email). Huddle only needs the public key to
// verify them. When a secret key is configured the Manager can also issue tokens,
// which tests, local development, and tools/wssmoke rely on.
//
// Every other package trusts the Identity handed out by Verify.
package session
