package tcp

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// Accept reads the one-line handshake every connection sends before
// switching to the framed wire.Message protocol: "<library>\t<token>\n",
// and returns a Conn ready to speak that protocol over the same buffered
// reader (a second, independent bufio.Reader over nc would silently drop
// whatever bytes of the first frame were already read into this one's
// buffer). There is no wire.Message for this step because library/token
// selection is a transport-level concern (which server, which
// credential), not part of the replica↔authority protocol proper, which
// starts at "sync".
func Accept(nc net.Conn, deadline time.Duration) (library, token string, conn *Conn, err error) {
	if deadline > 0 {
		if err := nc.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return "", "", nil, err
		}
		defer nc.SetReadDeadline(time.Time{})
	}

	r := bufio.NewReader(nc)
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", nil, fmt.Errorf("tcp: malformed preamble %q", line)
	}
	return parts[0], parts[1], &Conn{nc: nc, r: r}, nil
}

// Dial opens a TCP connection to addr and sends the library/token
// preamble, returning a Conn ready for the sync handshake.
func Dial(addr, library, token string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(nc, "%s\t%s\n", library, token); err != nil {
		nc.Close()
		return nil, err
	}
	return New(nc), nil
}
