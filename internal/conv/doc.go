// Package conv provides checked integer conversions for lengths and counts
// decoded from stable storage, where a damaged value must not turn into a
// huge allocation or a negative slice bound.
package conv
