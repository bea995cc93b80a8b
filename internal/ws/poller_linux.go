//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 500

// poller multiplexes read readiness of every connection onto one epoll
// instance so idle clients cost no goroutine.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read, hangup and peer-shutdown events.
func (p *poller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. A descriptor the kernel already dropped is not an
// error.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()

	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait blocks until registered connections are readable or the wait times
// out, in which case the result is empty. Interrupted waits are retried.
func (p *poller) Wait() ([]*Connection, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}

		p.mu.RLock()
		ready := make([]*Connection, 0, n)
		for i := 0; i < n; i++ {
			if c, ok := p.conns[int(p.events[i].Fd)]; ok {
				ready = append(ready, c)
			}
		}
		p.mu.RUnlock()
		return ready, nil
	}
}

// Resume is a no-op: epoll is level-triggered, so unread data is reported
// again by the next Wait.
func (p *poller) Resume(*Connection) {}

func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD reads the descriptor through SyscallConn, which unlike File()
// does not dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
