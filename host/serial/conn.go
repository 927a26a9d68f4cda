package serial

import (
	"errors"
	"net"
	"os"
	"time"
)

// ConnPort adapts a net.Conn (a TCP serial bridge or an in-memory pipe) to
// the Port contract: reads time out into (0, nil) instead of failing.
// Writes past the write timeout fail, which the caller treats as a lost link.
type ConnPort struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConnPort wraps conn. A zero readTimeout makes reads block.
func NewConnPort(conn net.Conn, readTimeout time.Duration) *ConnPort {
	return &ConnPort{conn: conn, readTimeout: readTimeout}
}

// Dial connects to a network serial bridge at addr
func Dial(addr string, cfg *Config) (*ConnPort, error) {
	conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return NewConnPort(conn, cfg.ReadTimeout).WithWriteTimeout(cfg.WriteTimeout), nil
}

// WithWriteTimeout sets the deadline applied to each write. Zero disables it.
func (p *ConnPort) WithWriteTimeout(d time.Duration) *ConnPort {
	p.writeTimeout = d
	return p
}

func (p *ConnPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if err != nil && isTimeout(err) {
		return n, nil
	}
	return n, err
}

func (p *ConnPort) Write(b []byte) (int, error) {
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return p.conn.Write(b)
}

func (p *ConnPort) Close() error {
	return p.conn.Close()
}

// Flush is a no-op; network writes are not buffered here
func (p *ConnPort) Flush() error {
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
