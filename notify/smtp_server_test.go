package notify

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// capturedEmail is one message accepted by mockSMTPServer.
type capturedEmail struct {
	From string
	To   []string
	Data string
}

// mockSMTPServer speaks enough SMTP for net/smtp: EHLO, MAIL, RCPT, DATA
// and QUIT. No STARTTLS or AUTH is offered.
type mockSMTPServer struct {
	listener   net.Listener
	rejectRcpt bool

	mu       sync.Mutex
	messages []capturedEmail
}

func newMockSMTPServer(t *testing.T) *mockSMTPServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &mockSMTPServer{listener: l}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *mockSMTPServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *mockSMTPServer) Messages() []capturedEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capturedEmail(nil), s.messages...)
}

func (s *mockSMTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *mockSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	reply := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}
	reply("220 mock-smtp ESMTP")

	r := bufio.NewReader(conn)
	var msg capturedEmail
	var data strings.Builder
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line == "." {
				msg.Data = data.String()
				s.mu.Lock()
				s.messages = append(s.messages, msg)
				s.mu.Unlock()
				msg, inData = capturedEmail{}, false
				data.Reset()
				reply("250 OK")
				continue
			}
			data.WriteString(strings.TrimPrefix(line, ".") + "\n")
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			w.WriteString("250-mock-smtp\r\n250-PIPELINING\r\n250 8BITMIME\r\n")
			w.Flush()
		case strings.HasPrefix(upper, "MAIL FROM:"):
			msg.From = addressOf(line)
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if s.rejectRcpt {
				reply("550 mailbox unavailable")
				continue
			}
			msg.To = append(msg.To, addressOf(line))
			reply("250 OK")
		case upper == "DATA":
			inData = true
			reply("354 End data with <CR><LF>.<CR><LF>")
		case upper == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func addressOf(line string) string {
	start, end := strings.Index(line, "<"), strings.Index(line, ">")
	if start >= 0 && end > start {
		return line[start+1 : end]
	}
	return ""
}
