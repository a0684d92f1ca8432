package metrics

import (
	"io"

	"git.home.luguber.info/inful/pipmirror/internal/atomicfile"
)

// TextfileDumper is implemented by recorders that can serialize their
// state in Prometheus text exposition format.
type TextfileDumper interface {
	WriteTo(w io.Writer) error
}

// WriteTextfile dumps the recorder state to path for the node_exporter
// textfile collector. The write is atomic so a concurrent scrape never
// sees a truncated file.
func WriteTextfile(dumper TextfileDumper, path string) error {
	return atomicfile.WriteFile(path, func(w io.Writer) error {
		return dumper.WriteTo(w)
	})
}
