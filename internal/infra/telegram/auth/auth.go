// Package auth provides the interactive terminal authenticator for the
// MTProto login flow: phone/code/2FA prompts, terms-of-service acceptance
// and first-time sign-up, wired through the shared readline console so
// prompts interleave cleanly with the rest of the CLI's output.
package auth

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"tgarchivist/internal/infra/pr"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

func readLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

// TerminalAuthenticator implements auth.UserAuthenticator by collecting
// input from the terminal: phone number, confirmation code, 2FA password,
// terms-of-service acceptance and first-time sign-up.
type TerminalAuthenticator struct {
	PhoneNumber string
}

// Phone returns the configured phone number; its format is not validated.
func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code prompts for the confirmation code Telegram sent out-of-band.
func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine("Enter the code from Telegram: ")
}

// Password reads a 2FA password without echoing it to the terminal.
func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	pr.Print("Enter 2FA password: ")
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService prints the ToS text and requires an explicit "y".
func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp collects a first and (optional) last name for an unregistered number.
func (t TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	firstName, err := readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	lastName, _ := readLine("Enter your last name (optional): ")
	return auth.UserInfo{FirstName: firstName, LastName: lastName}, nil
}
