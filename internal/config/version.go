package config

import "fmt"

// CurrentVersion is the configuration file format this build reads.
const CurrentVersion = 1

// VersionProblem says what is wrong with a file's version field.
type VersionProblem int

const (
	VersionMissing VersionProblem = iota + 1
	VersionOutdated
	VersionTooNew
)

// VersionError reports a config file this build cannot read as written.
type VersionError struct {
	Version int
	Problem VersionProblem
}

func (e *VersionError) Error() string {
	switch e.Problem {
	case VersionMissing:
		return fmt.Sprintf("version is required; add \"version: %d\"", CurrentVersion)
	case VersionOutdated:
		return fmt.Sprintf("version %d is no longer read; migrate the file to version %d", e.Version, CurrentVersion)
	case VersionTooNew:
		return fmt.Sprintf("version %d was written for a newer conduit (this build reads %d)", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("version %d is not supported", e.Version)
}

// ValidateVersion returns a *VersionError unless version is CurrentVersion.
func ValidateVersion(version int) error {
	var problem VersionProblem
	switch {
	case version == CurrentVersion:
		return nil
	case version <= 0:
		problem = VersionMissing
	case version < CurrentVersion:
		problem = VersionOutdated
	default:
		problem = VersionTooNew
	}
	return &VersionError{Version: version, Problem: problem}
}
