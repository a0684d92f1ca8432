package sandbox

// Success markers scanned for in the installer's combined output. This is
// a deliberate compatibility point with the wrapped installer's textual
// output format: pip does not signal resolution success through its exit
// code in every failure mode, so the literal marker is the contract.
// Fragile across installer versions; keep these in one place.
const (
	installedMarker  = "\nSuccessfully installed "
	downloadedMarker = "\nSuccessfully downloaded "
)

// Phase identifies which resolution pass produced an outcome.
type Phase string

const (
	PhaseInstall  Phase = "install"
	PhaseDownload Phase = "download"
)

// Outcome is the result of a branch resolution. OK means both passes
// reported their success marker; otherwise Phase and RawOutput describe
// the failing pass. Skipped means the installer was never invoked (noop
// or --no-pip), which is not a failure.
type Outcome struct {
	OK        bool
	Skipped   bool
	Phase     Phase
	RawOutput string
	// Frozen is the merged resolved package list (freeze output plus
	// build-directory packages), only populated on success.
	Frozen []string
}

func success(frozen []string) *Outcome { return &Outcome{OK: true, Frozen: frozen} }

func failure(phase Phase, raw string) *Outcome {
	return &Outcome{Phase: phase, RawOutput: raw}
}

func skipped(phase Phase) *Outcome { return &Outcome{Skipped: true, Phase: phase} }
