// Package password hashes and verifies secrets with Argon2id.
//
// # Output format
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsUpgrade] reports hashes produced with weaker parameters than
// the current configuration so callers can re-hash after the next
// successful login. [Hasher.VerifyDummy] spends the same work as a real
// verification so unknown accounts cannot be told apart by timing.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other goIdentity package.
//   - Log plaintext passwords.
package password
