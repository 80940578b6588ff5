// Package store holds helpers shared by the summary store backends. Backends live
// in subpackages; this package must not import database drivers.
package store
