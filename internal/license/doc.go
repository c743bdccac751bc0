// Package license implements the license lifecycle: issuance, validation,
// machine activation and the administrative transitions between active,
// suspended and revoked. Expiry is never stored as a status; it is derived
// from the expiry timestamp at read time, so a renewal webhook restores a
// lapsed license without any status write.
package license
