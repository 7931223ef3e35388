package csock

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/xmlx"
)

// netConn adapts a net.Conn to the session transport interface.
type netConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Read always uses the current connection, so a starttls upgrade takes
// effect on the next read.
func (c *netConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	return conn.Read(p)
}

func (c *netConn) WriteString(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write([]byte(s))
	return err
}

func (c *netConn) WriteElement(x *xmlx.Element) error {
	return c.WriteString(x.String())
}

func (c *netConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *netConn) IP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *netConn) StartTLS(cfg *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := tls.Server(c.conn, cfg)
	if err := tc.Handshake(); err != nil {
		return err
	}
	c.conn = tc
	return nil
}

// Listen accepts client connections on the configured addresses. Each
// <ip port="5222">bind-address</ip> entry opens one listener. Each <tls>
// entry loads the certificate named in the config and installs it for
// starttls; only a <tls> entry with a port attribute also opens a TLS
// listener.
func (m *Manager) Listen(cfg *xmlx.Element) error {
	if cfg == nil {
		return nil
	}
	for _, e := range cfg.Children {
		switch e.Name {
		case "ip":
			ln, err := net.Listen("tcp", listenAddr(e, 5222))
			if err != nil {
				return fmt.Errorf("csock listen: %w", err)
			}
			go m.acceptLoop(ln)
		case "tls":
			cert, err := tls.LoadX509KeyPair(e.Attr("cert"), e.Attr("key"))
			if err != nil {
				return fmt.Errorf("csock tls credential: %w", err)
			}
			tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
			m.SetTLSConfig(tlsCfg)
			port := e.Attr("port")
			if port == "" {
				continue
			}
			ln, err := tls.Listen("tcp", listenAddr(e, 5223), tlsCfg)
			if err != nil {
				return fmt.Errorf("csock tls listen: %w", err)
			}
			go m.acceptLoop(ln)
		}
	}
	return nil
}

func listenAddr(e *xmlx.Element, defaultPort int) string {
	port := defaultPort
	if n, err := strconv.Atoi(e.Attr("port")); err == nil && n > 0 {
		port = n
	}
	return net.JoinHostPort(e.Text, strconv.Itoa(port))
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithComponent("csock").Warn().Err(err).Msg("accept failed, listener closing")
			return
		}
		go m.serve(&netConn{conn: conn})
	}
}

// serve runs the read side of one connection: the stream header first,
// then each stanza through the session's ordered queue.
func (m *Manager) serve(conn Conn) {
	s := m.NewSession(conn)
	defer m.ConnClosed(s)

	nc, ok := conn.(*netConn)
	if !ok {
		return
	}
	sp := xmlx.NewStreamParser(nc)

	root, err := sp.ReadRoot()
	if err != nil {
		return
	}
	s.HandleStreamRoot(root)

	for {
		x, err := sp.Next()
		if err != nil {
			return
		}
		if x != nil {
			s.Enqueue(x)
		}
	}
}
