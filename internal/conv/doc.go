// Package conv provides safe integer type conversion utilities.
//
// These functions perform bounds checking where a value crosses into a
// narrower type that ends up in a device request or in checkpoint metadata.
// For conversions that are provably safe by domain constraints, use direct
// type casts instead.
package conv
