package bufmem

import (
	"fmt"
	"log/slog"
)

// contractViolation reports a caller programming error on b. It is logged
// and returned; builds with the bufmemdebug tag panic instead so the
// offending call stops at its source.
func contractViolation(b *Buffer, format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
	Logger().Error("bufmem: contract violation",
		slog.Uint64("buffer", b.id),
		slog.String("error", err.Error()))
	if debugContracts {
		panic(err)
	}
	return err
}
