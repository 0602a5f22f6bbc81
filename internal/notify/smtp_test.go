package notify

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP answers just enough of the protocol to accept mail and records
// each DATA payload.
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	data []string
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.session(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) session(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(s string) { fmt.Fprintf(conn, "%s\r\n", s) }

	reply("220 localhost ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "DATA"):
			reply("354 end with <CRLF>.<CRLF>")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			f.mu.Lock()
			f.data = append(f.data, b.String())
			f.mu.Unlock()
			reply("250 queued")
		case strings.HasPrefix(cmd, "QUIT"):
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func (f *fakeSMTP) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func (f *fakeSMTP) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.data...)
}

// stalledSMTP accepts connections and never says a word. Each connection
// reports on closed once the client hangs up.
type stalledSMTP struct {
	ln     net.Listener
	closed chan struct{}
}

func newStalledSMTP(t *testing.T) *stalledSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &stalledSMTP{ln: ln, closed: make(chan struct{}, 64)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(io.Discard, conn)
				conn.Close()
				s.closed <- struct{}{}
			}()
		}
	}()
	return s
}

func (s *stalledSMTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *stalledSMTP) waitClosed(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-s.closed:
		case <-timeout:
			t.Fatalf("only %d of %d connections were closed by the client", i, n)
		}
	}
}

func TestSMTPMailerBuildsMessage(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "mailhog", Port: 1025, From: "bank@example.test"})
	require.NoError(t, err)

	msg, err := m.message(sample())
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)

	body := buf.String()
	assert.Contains(t, body, "Subject: Your transfer verification code\r\n")
	assert.Contains(t, body, "bank@example.test")
	assert.Contains(t, body, "alice@example.test")
	assert.Contains(t, body, "042917")
	assert.Contains(t, body, "40.00")
	assert.Contains(t, body, "The code expires in 5 minutes.")
}

func TestSMTPMailerDelivers(t *testing.T) {
	srv := newFakeSMTP(t)
	m, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "bank@example.test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Send(ctx, sample()))

	got := srv.delivered()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Subject: Your transfer verification code")
	assert.Contains(t, got[0], "042917")
	assert.Contains(t, got[0], "40.00")
}

func TestSMTPMailerRejectsMissingRecipient(t *testing.T) {
	m, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: 25, From: "bank@example.test"})
	require.NoError(t, err)
	msg := sample()
	msg.To = ""
	assert.Error(t, m.Send(context.Background(), msg))
}

func TestSMTPMailerReleasesStalledConnections(t *testing.T) {
	const sends = 5
	srv := newStalledSMTP(t)
	before := runtime.NumGoroutine()

	t.Run("caller deadline", func(t *testing.T) {
		m, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "bank@example.test"})
		require.NoError(t, err)
		for i := 0; i < sends; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			start := time.Now()
			err := m.Send(ctx, sample())
			cancel()
			assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
			assert.Less(t, time.Since(start), time.Second)
		}
		srv.waitClosed(t, sends)
	})

	t.Run("mailer timeout", func(t *testing.T) {
		m, err := NewSMTPMailer(SMTPConfig{
			Host: "127.0.0.1", Port: srv.port(), From: "bank@example.test", Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		start := time.Now()
		assert.Error(t, m.Send(context.Background(), sample()))
		assert.Less(t, time.Since(start), time.Second)
		srv.waitClosed(t, 1)
	})

	// Client and server goroutines for every attempt are gone.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewSMTPMailerValidates(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{Port: 25, From: "x@y"})
	assert.Error(t, err)
	_, err = NewSMTPMailer(SMTPConfig{Host: "h", Port: 25})
	assert.Error(t, err)

	m, err := NewSMTPMailer(SMTPConfig{Host: "h", Port: 25, From: "x@y"})
	require.NoError(t, err)
	assert.Equal(t, defaultSMTPTimeout, m.timeout)
	assert.Len(t, m.opts, 3)

	m, err = NewSMTPMailer(SMTPConfig{Host: "h", Port: 25, From: "x@y", Username: "u", Password: "p", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Second, m.timeout)
	assert.Len(t, m.opts, 6, "auth options added when a username is set")
}
