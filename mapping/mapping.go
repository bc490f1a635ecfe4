// Package mapping reserves address space for module segments and releases
// it again when a module is unloaded.
package mapping

import (
	"sync"

	"github.com/ZenLiuCN/linkmap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnsupported occurs on platforms without anonymous mappings.
var ErrUnsupported = errors.New("memory mappings not supported")

// Mapper hands out inaccessible anonymous mappings. It implements
// linkmap.Unmapper for the modules whose segments it reserved.
type Mapper struct {
	mu      sync.Mutex
	regions map[uintptr][]byte
	log     *logrus.Entry
}

func New(log *logrus.Logger) *Mapper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mapper{regions: map[uintptr][]byte{}, log: logrus.NewEntry(log).WithField("component", "mapping")}
}

// PageSize of the platform.
func (p *Mapper) PageSize() int {
	return pageSize()
}

// Segments reserves one mapping per size, each rounded up to whole pages.
// On error the mappings made so far are released.
func (p *Mapper) Segments(sizes ...int) ([]linkmap.Range, error) {
	var v []linkmap.Range
	for _, size := range sizes {
		if size <= 0 {
			p.release(v)
			return nil, errors.Errorf("invalid segment size %d", size)
		}
		ps := pageSize()
		b, err := reserve((size + ps - 1) / ps * ps)
		if err != nil {
			p.release(v)
			return nil, errors.Wrap(err, "reserve segment")
		}
		start := address(b)
		p.mu.Lock()
		p.regions[start] = b
		p.mu.Unlock()
		v = append(v, linkmap.Range{Start: start, End: start + uintptr(len(b))})
	}
	return v, nil
}

func (p *Mapper) release(v []linkmap.Range) {
	for _, r := range v {
		_ = p.unmapAt(r.Start)
	}
}

func (p *Mapper) unmapAt(start uintptr) error {
	p.mu.Lock()
	b, ok := p.regions[start]
	delete(p.regions, start)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return unmap(b)
}

// Unmap releases every segment of m reserved by Segments.
func (p *Mapper) Unmap(m *linkmap.Module) error {
	var first error
	for _, s := range m.Segments() {
		if err := p.unmapAt(s.Start); err != nil && first == nil {
			first = errors.Wrapf(err, "unmap %s at %#x", m.Name(), s.Start)
		}
	}
	p.log.WithField("module", m.Name()).Debug("unmapped")
	return first
}

// Live counts the reserved mappings.
func (p *Mapper) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.regions)
}
