package cpu

import "github.com/gokernel/corekernel/internal/log"

// KernelStackSize is the statically reserved ring-0 stack the TSS's RSP0 field points at: the
// stack the simulated CPU loads on any transition into ring 0.
const KernelStackSize = 16 * 1024

// TSS is the simulated Task State Segment. In long mode only RSP0 matters to this kernel; IST and
// the I/O permission bitmap are not modeled.
type TSS struct {
	RSP0 uint64

	stack []byte
	log   *log.Logger
}

// NewTSS allocates the statically reserved kernel stack and points RSP0 at its top.
func NewTSS(logger *log.Logger) *TSS {
	t := &TSS{
		stack: make([]byte, KernelStackSize),
		log:   logger,
	}

	t.RSP0 = uint64(len(t.stack))

	logger.Info("TSS: RSP0 set", "size", KernelStackSize)

	return t
}
