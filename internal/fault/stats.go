package fault

import (
	"io"

	"github.com/rs/zerolog"
)

// Stats partitions the handled underflow exceptions the way the runtime
// thinks about them: probe traps that confirmed as redzones, probe traps
// that did not, and underflows from instructions that were never probes.
type Stats struct {
	// VaddssSkip counts traps from a recognized probe whose bytes did not
	// confirm as a redzone.
	VaddssSkip uint32
	// Underflow counts generic underflows from unrecognized instructions.
	Underflow uint32
	// VaddssRedzone counts confirmed redzone hits.
	VaddssRedzone uint32
}

// Log emits the counters as one structured event, the append-mode
// counter line written at teardown when counting is enabled.
func (s *Stats) Log(w io.Writer, progname string) {
	logger := zerolog.New(w)
	logger.Info().
		Str("prog", progname).
		Uint32("vaddss_skip", s.VaddssSkip).
		Uint32("underflow", s.Underflow).
		Uint32("vaddss_redzone", s.VaddssRedzone).
		Msg("float exceptions")
}
