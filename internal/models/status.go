package models

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusUnset       JobStatus = ""
	StatusQueued      JobStatus = "queued"
	StatusAnalyzing   JobStatus = "analyzing"
	StatusDiscovering JobStatus = "discovering"
	StatusScraping    JobStatus = "scraping"
	StatusDownloading JobStatus = "downloading"
	StatusConverting  JobStatus = "converting"
	StatusBuilding    JobStatus = "building"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

var statusOrder = map[JobStatus]int{
	StatusQueued:      0,
	StatusAnalyzing:   1,
	StatusDiscovering: 2,
	StatusScraping:    3,
	StatusDownloading: 4,
	StatusConverting:  5,
	StatusBuilding:    6,
	StatusCompleted:   7,
}

// String implements fmt.Stringer for logging
func (s JobStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known lifecycle value
func (s JobStatus) IsValid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusOrder[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job may move from s to next. Stages only
// move forward, a stage may report repeatedly, and failed is reachable from
// any non-terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusOrder[next] >= statusOrder[s]
}

// AssetState is the lifecycle state of a single asset download.
type AssetState string

const (
	AssetPending     AssetState = "pending"
	AssetValidating  AssetState = "validating"
	AssetDownloading AssetState = "downloading"
	AssetSucceeded   AssetState = "succeeded"
	AssetFailed      AssetState = "failed"
)

// IsTerminal reports whether the asset has finished.
func (s AssetState) IsTerminal() bool {
	return s == AssetSucceeded || s == AssetFailed
}
