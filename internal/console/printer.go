package console

import "sync"

// DefaultPrinterBacklog is how many early messages a Printer keeps before
// it is bound.
const DefaultPrinterBacklog = 50

// Broadcaster receives lines for every attached session.
type Broadcaster interface {
	Broadcast(line string)
}

// Printer is the process-wide console output used before and after the
// multiplexer exists. Lines printed before Bind are queued, oldest dropped
// beyond the backlog, and flushed in order exactly once when bound.
type Printer struct {
	mu      sync.Mutex
	backlog int
	queue   []string
	dropped int
	bound   bool
	target  Broadcaster
}

// NewPrinter returns an unbound Printer. If backlog <= 0,
// DefaultPrinterBacklog is used.
func NewPrinter(backlog int) *Printer {
	if backlog <= 0 {
		backlog = DefaultPrinterBacklog
	}
	return &Printer{backlog: backlog}
}

// Println broadcasts line, or queues it if the Printer is not bound yet.
func (p *Printer) Println(line string) {
	p.mu.Lock()
	if t := p.target; t != nil {
		p.mu.Unlock()
		t.Broadcast(line)
		return
	}
	if len(p.queue) >= p.backlog {
		p.queue = p.queue[1:]
		p.dropped++
	}
	p.queue = append(p.queue, line)
	p.mu.Unlock()
}

// Bind flushes the queued lines to t and routes later lines straight to
// it. Only the first call has any effect.
func (p *Printer) Bind(t Broadcaster) {
	p.mu.Lock()
	if p.bound {
		p.mu.Unlock()
		return
	}
	p.bound = true
	// Lines printed while flushing (e.g. logged by the broadcast itself)
	// land in the queue and are picked up by the next pass.
	for len(p.queue) > 0 {
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()
		for _, line := range batch {
			t.Broadcast(line)
		}
		p.mu.Lock()
	}
	p.target = t
	p.mu.Unlock()
}

// Dropped returns how many early lines were discarded for lack of room.
func (p *Printer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
