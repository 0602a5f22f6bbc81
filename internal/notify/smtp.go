package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/wneessen/go-mail"
)

const defaultSMTPTimeout = 10 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one delivery, dial to QUIT. Zero means 10s.
	Timeout time.Duration
}

// SMTPMailer sends plain-text mail. With no username it sends without auth,
// which is what local catchers like MailHog expect. STARTTLS is used when
// the server offers it.
type SMTPMailer struct {
	host    string
	from    string
	timeout time.Duration
	opts    []mail.Option
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return &SMTPMailer{host: cfg.Host, from: cfg.From, timeout: timeout, opts: opts}, nil
}

// Send delivers m over a fresh connection. The connection never outlives
// the call: it is closed when ctx ends or the timeout passes.
func (s *SMTPMailer) Send(ctx context.Context, m Message) error {
	if m.To == "" {
		return errors.New("smtp: message has no recipient")
	}
	msg, err := s.message(m)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := append(append([]mail.Option(nil), s.opts...), mail.WithDialContextFunc(s.dialer(sendCtx)))
	c, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(sendCtx, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp send: %w", ctxErr)
		}
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// dialer ties every socket to sendCtx: it is closed once sendCtx is done.
// The deadline is a backstop for reads that start before the client applies
// its own, such as the server greeting.
func (s *SMTPMailer) dialer(sendCtx context.Context) mail.DialContextFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		context.AfterFunc(sendCtx, func() { conn.Close() })
		return conn, nil
	}
}

func (s *SMTPMailer) message(m Message) (*mail.Msg, error) {
	subject, body := Render(m)
	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(time.Now())
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}
