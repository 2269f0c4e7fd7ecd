// Package audit writes the append-only command audit trail.
//
// Each executed command and each control-plane action produces one JSON line.
// Files rotate by size and age.
package audit
