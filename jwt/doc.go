// Package jwt issues and verifies EdDSA access tokens.
//
// Every token carries a kid header. The [Manager] signs with the current key
// and verifies against the current key plus any [PreviousKey] whose grace
// deadline has not passed, so keys can be rotated without a flag day.
package jwt
