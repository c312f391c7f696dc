package pipeline

import (
	"runtime"
	"sync"

	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/logger"
)

// memSampler reports heap usage as a fraction of the heap limit. Injectable
// for tests.
type memSampler func() float64

func runtimeHeapFrac() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.HeapSys)
}

// adaptiveBatcher bounds the concurrency of batched external calls. Batched
// stages sample heap pressure before and after each run: above the critical
// threshold the batch size halves, and once pressure normalizes it steps back
// up toward the default.
type adaptiveBatcher struct {
	log      *logger.Logger
	sample   memSampler
	warnFrac float64
	critFrac float64
	min      int
	max      int

	mu   sync.Mutex
	size int
}

func newAdaptiveBatcher(log *logger.Logger, cfg config.Config, sample memSampler) *adaptiveBatcher {
	if sample == nil {
		sample = runtimeHeapFrac
	}
	return &adaptiveBatcher{
		log:      log.With("service", "AdaptiveBatcher"),
		sample:   sample,
		warnFrac: cfg.MemoryWarnFrac,
		critFrac: cfg.MemoryCritFrac,
		min:      cfg.BatchSizeMin,
		max:      cfg.BatchSizeDefault,
		size:     cfg.BatchSizeDefault,
	}
}

// Size returns the current concurrency ceiling.
func (b *adaptiveBatcher) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Observe samples heap pressure and adjusts the batch size.
func (b *adaptiveBatcher) Observe() int {
	frac := b.sample()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case frac >= b.critFrac:
		next := b.size / 2
		if next < b.min {
			next = b.min
		}
		if next != b.size {
			b.log.Warn("REDUCE_BATCH_SIZE",
				"heap_frac", frac,
				"from", b.size,
				"to", next,
			)
			b.size = next
		}
	case frac >= b.warnFrac:
		b.log.Warn("Heap pressure elevated", "heap_frac", frac, "batch_size", b.size)
	default:
		if b.size < b.max {
			next := b.size + 1
			b.log.Info("INCREASE_BATCH_SIZE",
				"heap_frac", frac,
				"from", b.size,
				"to", next,
			)
			b.size = next
		}
	}
	return b.size
}
