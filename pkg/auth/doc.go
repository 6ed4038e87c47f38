/*
Package auth verifies broker users over HTTP Basic and session cookies.

Passwords are stored as salted PBKDF2-SHA256 verifiers and compared in
constant time. A successful Basic verification yields a session cookie

	auth=<base64(username)>:<token>

where the token binds (username, issued-at) under an HMAC over the process
signing key; the cookie is accepted in lieu of Basic for its lifetime.

Failed verifications feed a per-(ip, username) blocklist in the store. Once
the threshold is exceeded within the trailing window, further attempts are
rejected before credentials are checked. Throttled and wrong-credential
failures both surface as ErrUnauthorized.
*/
package auth
