// Package domain contains the error vocabulary shared by the imgship packages.
//
// It has no dependencies on infrastructure concerns (HTTP, file system,
// logging). Callers wrap these sentinels with context and match them with
// errors.Is.
package domain
