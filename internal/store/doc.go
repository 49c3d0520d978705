// Package store declares interfaces for persisting shutdown run journals.
package store
