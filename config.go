package linkmap

import (
	"github.com/ZenLiuCN/linkmap/alloc"
	"github.com/ZenLiuCN/linkmap/findobj"
	"github.com/sirupsen/logrus"
)

// TLSLayout selects where the static TLS block lives relative to the
// thread pointer.
type TLSLayout uint8

const (
	// TCBAtTP places the blocks below the thread control block, offsets
	// grow downward (x86).
	TCBAtTP TLSLayout = iota
	// DTVAtTP places the blocks above the thread pointer, offsets grow
	// upward (aarch64, riscv).
	DTVAtTP
)

func (l TLSLayout) String() string {
	if l == DTVAtTP {
		return "dtv-at-tp"
	}
	return "tcb-at-tp"
}

// DefaultNamespaces is the size of the namespace table.
const DefaultNamespaces = 16

// DefaultStaticTLSSize is the static TLS area available to modules.
const DefaultStaticTLSSize = 1664 + 4096

// Config of a Runtime. Zero fields take defaults in New.
type Config struct {
	Logger *logrus.Logger
	// Debug lowers the logger to debug level.
	Debug     bool
	Allocator alloc.Allocator
	Barrier   Barrier
	Observer  Observer
	Unmapper  Unmapper
	Metrics   *Metrics
	// OnFatal is called for invariant violations and must not return
	// normally in production. Defaults to Logger.Fatal.
	OnFatal       func(error)
	TLSLayout     TLSLayout
	StaticTLSSize uintptr
	Namespaces    int
	// SegmentSize is the first address index segment capacity.
	SegmentSize int
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Debug {
		c.Logger.SetLevel(logrus.DebugLevel)
	}
	if c.Allocator == nil {
		c.Allocator = alloc.NewHeap()
	}
	if c.Barrier == nil {
		c.Barrier = NewQuiescence()
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Unmapper == nil {
		c.Unmapper = UnmapFunc(func(*Module) error { return nil })
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.OnFatal == nil {
		log := c.Logger
		c.OnFatal = func(err error) { log.Fatal(err) }
	}
	if c.StaticTLSSize == 0 {
		c.StaticTLSSize = DefaultStaticTLSSize
	}
	if c.Namespaces <= 0 {
		c.Namespaces = DefaultNamespaces
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = findobj.InitialSegmentSize
	}
}
