//go:build !linux

package opsfeed

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// Each watched connection is wrapped so the readiness probe does not eat
// frame bytes.
type Epoll struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewEpoll returns the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 64),
		done:  make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()
	go e.watch(conn)
	return nil
}

func (e *Epoll) watch(conn net.Conn) {
	pc, ok := conn.(*peekConn)
	for {
		if ok {
			if _, err := pc.r.Peek(1); err != nil {
				e.signal(conn)
				return
			}
		}
		if !e.signal(conn) {
			return
		}
		if !ok {
			return
		}
		<-pc.consumed
	}
}

func (e *Epoll) signal(conn net.Conn) bool {
	select {
	case e.ready <- conn:
		return true
	case <-e.done:
		return false
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait returns the connections that are ready now, blocking for at least one.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}
	out := []net.Conn{first}
	for {
		select {
		case c := <-e.ready:
			out = append(out, c)
		default:
			return out, nil
		}
	}
}

// Close stops all watchers.
func (e *Epoll) Close() error {
	close(e.done)
	return nil
}

// peekConn buffers reads so the watcher can peek without consuming.
type peekConn struct {
	net.Conn
	r        *bufio.Reader
	consumed chan struct{}
}

func wrapConn(c net.Conn) net.Conn {
	return &peekConn{Conn: c, r: bufio.NewReader(c), consumed: make(chan struct{}, 1)}
}

func (p *peekConn) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	select {
	case p.consumed <- struct{}{}:
	default:
	}
	return n, err
}

func socketFD(net.Conn) int { return -1 }

func isEINTR(error) bool { return false }
