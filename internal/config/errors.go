package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file is found
	// at the specified path or in any of the search paths.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigVersionTooNew is returned when a config file has a version
	// newer than what this binary supports.
	ErrConfigVersionTooNew = errors.New("config version too new")

	// ErrNoArchive is returned by Rollback when no last-known-good
	// archive exists for the given config path.
	ErrNoArchive = errors.New("no archived config to roll back to")

	// ErrCommitConfirmedPending is returned by BeginCommitConfirmed when
	// a commit-confirmed window is already active for the given config.
	ErrCommitConfirmedPending = errors.New("a commit-confirmed change is already pending")

	// ErrNoPending is returned by Confirm when there is no active
	// commit-confirmed window to confirm.
	ErrNoPending = errors.New("no commit-confirmed change is pending")
)
