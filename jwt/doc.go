// Package jwt manages issuance and verification of the access/refresh token
// pair using configured signing keys and strict validation semantics,
// including an embedded token-type claim enforced on parse.
package jwt
