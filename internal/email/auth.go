package email

import (
	"errors"
	"net"
	"net/smtp"
	"slices"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// imapLogin authenticates with AUTHENTICATE PLAIN when the server
// advertises it and falls back to the LOGIN command otherwise.
func imapLogin(c *imapclient.Client, user, pass string) error {
	if c.Caps().Has(imap.AuthCap(sasl.Plain)) {
		return c.Authenticate(sasl.NewPlainClient("", user, pass))
	}
	return c.Login(user, pass).Wait()
}

// saslAuth adapts a go-sasl client to net/smtp. It picks PLAIN, or
// LOGIN for servers that only offer that, and like smtp.PlainAuth it
// refuses to send credentials in the clear except to localhost.
type saslAuth struct {
	host, user, pass string
	client           sasl.Client
}

func newSASLAuth(host, user, pass string) *saslAuth {
	return &saslAuth{host: host, user: user, pass: pass}
}

func (a *saslAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("refusing to authenticate over an unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("server name does not match configured host")
	}
	if !slices.Contains(server.Auth, sasl.Plain) && slices.Contains(server.Auth, sasl.Login) {
		a.client = sasl.NewLoginClient(a.user, a.pass)
	} else {
		a.client = sasl.NewPlainClient("", a.user, a.pass)
	}
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

func isLocalhost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
