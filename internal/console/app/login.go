package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aussiebroadwan/tabconsole/pkg/authsdk"
	"github.com/aussiebroadwan/tabconsole/pkg/session"
	"github.com/pquerna/otp/totp"
	"golang.org/x/term"
)

var ErrNoTerminal = errors.New("app: credentials missing and stdin is not a terminal")

// Prompter asks the user for whatever the environment didn't provide.
type Prompter interface {
	Prompt(label string, secret bool) (string, error)
}

// terminalPrompter reads from stdin, hiding secrets with x/term.
type terminalPrompter struct {
	in  *os.File
	out io.Writer
	r   *bufio.Reader
}

func newTerminalPrompter() *terminalPrompter {
	return &terminalPrompter{in: os.Stdin, out: os.Stderr, r: bufio.NewReader(os.Stdin)}
}

func (p *terminalPrompter) Prompt(label string, secret bool) (string, error) {
	fd := int(p.in.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoTerminal
	}

	fmt.Fprintf(p.out, "%s: ", label)
	if secret {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := p.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// login runs the password grant, and the TOTP step if the server asks for
// one. Anything not in cfg comes from the prompter.
func login(ctx context.Context, sdk *authsdk.SDKClient, cfg Config, p Prompter) (session.Credential, error) {
	username, err := valueOrPrompt(cfg.Username, "Username", false, p)
	if err != nil {
		return session.Credential{}, err
	}
	password, err := valueOrPrompt(cfg.Password, "Password", true, p)
	if err != nil {
		return session.Credential{}, err
	}

	tokens, err := sdk.PasswordGrant(ctx, username, password)

	var mfa *authsdk.MFARequiredError
	if errors.As(err, &mfa) {
		code, codeErr := otpCode(cfg.TOTPSecret, p)
		if codeErr != nil {
			return session.Credential{}, codeErr
		}
		tokens, err = sdk.MFAOTPGrant(ctx, *mfa, "totp", code)
	}
	if err != nil {
		return session.Credential{}, fmt.Errorf("login as %s: %w", username, err)
	}

	cred := session.NewCredential(tokens.AccessToken, tokens.RefreshToken)
	if _, err := cred.Claims(); err != nil {
		return session.Credential{}, fmt.Errorf("login as %s: %w", username, err)
	}
	return cred, nil
}

func otpCode(secret string, p Prompter) (string, error) {
	if secret != "" {
		return totp.GenerateCode(secret, time.Now())
	}
	return p.Prompt("Authenticator code", false)
}

func valueOrPrompt(value, label string, secret bool, p Prompter) (string, error) {
	if value != "" {
		return value, nil
	}
	return p.Prompt(label, secret)
}
