package uploader

import (
	"io"
	"sync"
)

// progressReader counts bytes as the SDK consumes them and reports a
// monotonically non-decreasing percentage. finish() forces the terminal
// 100 after a successful upload, covering zero-length files and any
// rounding shortfall.
type progressReader struct {
	r     io.Reader
	total int64
	fn    func(pct int)

	mu   sync.Mutex
	read int64
	last int
}

func newProgressReader(r io.Reader, total int64, fn func(pct int)) *progressReader {
	return &progressReader{r: r, total: total, fn: fn, last: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.advance(int64(n))
	}
	return n, err
}

func (p *progressReader) advance(n int64) {
	if p.fn == nil || p.total <= 0 {
		return
	}
	p.mu.Lock()
	p.read += n
	pct := int(p.read * 100 / p.total)
	if pct > 100 {
		pct = 100
	}
	report := pct > p.last
	if report {
		p.last = pct
	}
	p.mu.Unlock()

	if report {
		p.fn(pct)
	}
}

func (p *progressReader) finish() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	report := p.last < 100
	p.last = 100
	p.mu.Unlock()

	if report {
		p.fn(100)
	}
}
