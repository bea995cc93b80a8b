//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection peeks for
// the next byte and reports readiness. The peeked byte stays in the
// connection's buffered reader, so frames are read intact.
type poller struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.reader = br
	next := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[c] = next
	p.mu.Unlock()

	go p.monitor(c, br, next)
	return nil
}

// monitor reports c once per burst of input and then waits until the
// server has consumed it before peeking again.
func (p *poller) monitor(c *Connection, br *bufio.Reader, next <-chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case p.readyCh <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-next:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (p *poller) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next, ok := p.resume[c]; ok {
		select {
		case next <- struct{}{}:
		default:
		}
	}
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if next, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(next)
	}
	p.mu.Unlock()
	return nil
}

func (p *poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
