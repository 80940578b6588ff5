// Package digest defines the domain types and collaborator contracts shared by the
// history publisher, the summarizing worker and the storage backends.
package digest
