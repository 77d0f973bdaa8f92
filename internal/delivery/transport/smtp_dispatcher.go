package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mailkite/delivery-engine/internal/delivery/render"
	"github.com/mailkite/delivery-engine/internal/delivery/repository"
)

// SMTPDispatcher sends through whichever SMTP account is flagged active.
type SMTPDispatcher struct {
	accounts repository.SMTPAccountStore
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSMTPDispatcher creates an SMTPDispatcher. timeout bounds the whole
// SMTP conversation for one message.
func NewSMTPDispatcher(accounts repository.SMTPAccountStore, timeout time.Duration, logger *slog.Logger) *SMTPDispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPDispatcher{
		accounts: accounts,
		timeout:  timeout,
		logger:   logger.With("service", "smtp_dispatcher"),
	}
}

// Dispatch sends one message. SMTP rejections come back as *DispatchError
// so the caller can classify them; everything else (dial failures, the
// deadline firing mid-conversation) is a plain transient error.
func (d *SMTPDispatcher) Dispatch(ctx context.Context, email *render.RenderedEmail) (*Receipt, error) {
	account, err := d.accounts.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active smtp account: %w", err)
	}

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	// The deadline covers the whole conversation; a stalled server
	// surfaces as a transient i/o timeout and goes through the retry path.
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting connection deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, account.Host)
	if err != nil {
		return nil, asDispatchError(err)
	}
	defer client.Close()

	if account.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: account.Host}); err != nil {
			return nil, asDispatchError(err)
		}
	}
	if account.Username != "" {
		auth := smtp.PlainAuth("", account.Username, account.Password, account.Host)
		if err := client.Auth(auth); err != nil {
			return nil, asDispatchError(err)
		}
	}

	fromAddr, err := bareAddress(email.From)
	if err != nil {
		return nil, fmt.Errorf("parsing sender address: %w", err)
	}
	if err := client.Mail(fromAddr); err != nil {
		return nil, asDispatchError(err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return nil, asDispatchError(err)
	}

	w, err := client.Data()
	if err != nil {
		return nil, asDispatchError(err)
	}
	if _, err := w.Write(buildWireMessage(email)); err != nil {
		return nil, asDispatchError(err)
	}
	if err := w.Close(); err != nil {
		return nil, asDispatchError(err)
	}
	if err := client.Quit(); err != nil {
		d.logger.WarnContext(ctx, "SMTP quit failed after accepted message", "error", err)
	}

	return &Receipt{TransportMessageID: email.Headers["Message-ID"]}, nil
}

// asDispatchError converts SMTP protocol rejections into *DispatchError;
// anything else passes through unchanged as a transport failure.
func asDispatchError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return &DispatchError{
			Code:    strconv.Itoa(protoErr.Code),
			Message: protoErr.Msg,
		}
	}
	return err
}

func bareAddress(from string) (string, error) {
	parsed, err := mail.ParseAddress(from)
	if err != nil {
		return "", err
	}
	return parsed.Address, nil
}

func buildWireMessage(email *render.RenderedEmail) []byte {
	var b strings.Builder
	writeHeader := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}

	writeHeader("From", email.From)
	writeHeader("To", email.To)
	if email.ReplyTo != "" {
		writeHeader("Reply-To", email.ReplyTo)
	}
	writeHeader("Subject", email.Subject)
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/html; charset="UTF-8"`)

	keys := make([]string, 0, len(email.Headers))
	for k := range email.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(k, email.Headers[k])
	}

	b.WriteString("\r\n")
	b.WriteString(email.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
