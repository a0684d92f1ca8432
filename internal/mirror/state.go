package mirror

// BranchState tracks a branch through the pipeline. The happy path is
// DISCOVERED → REQUIREMENTS_FOUND → INSTALL_RESOLVED → DOWNLOAD_CACHED;
// SKIPPED and FAILED are terminal exits from any earlier state.
type BranchState string

const (
	StateDiscovered        BranchState = "DISCOVERED"
	StateRequirementsFound BranchState = "REQUIREMENTS_FOUND"
	StateInstallResolved   BranchState = "INSTALL_RESOLVED"
	StateDownloadCached    BranchState = "DOWNLOAD_CACHED"
	StateSkipped           BranchState = "SKIPPED"
	StateFailed            BranchState = "FAILED"
)

// branchResult is the terminal record of one processed branch.
type branchResult struct {
	Mirror  string
	Project string
	Branch  string
	State   BranchState
	Detail  string
	Frozen  []string
}
