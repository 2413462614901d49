// Package login implements the `drivesync login` command: it trades an
// emailed one-time token for a session cookie and stores it in the
// encrypted credential store (pkg/credstore). The browser-driven login
// UI itself is out of scope for this repo; this command is the manual
// equivalent, in the spirit of spec.md's `AuthProvider` boundary.
package login

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kelda-inc/drivesync/cmd/util"
	"github.com/kelda-inc/drivesync/pkg/config"
	"github.com/kelda-inc/drivesync/pkg/credstore"
	drivesyncerrors "github.com/kelda-inc/drivesync/pkg/errors"
)

const (
	createTokenEndpoint = "https://api.drivesync.io/auth/create-token"
	loginEndpoint       = "https://api.drivesync.io/auth/login"
)

// tokenResponse is returned by createTokenEndpoint.
type tokenResponse struct {
	Error string `json:"error"`
}

// sessionResponse is returned by loginEndpoint.
type sessionResponse struct {
	Cookie    string `json:"cookie"`
	CSRFToken string `json:"csrfToken"`
	Error     string `json:"error"`
}

// New creates the `login` command.
func New() *cobra.Command {
	var email, token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store a session for the sync agent",
		Long: "Log in to the drive account to sync against.\n" +
			"A one-time token is emailed unless --token is supplied directly.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := Main(email, token); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email address.")
	cmd.Flags().StringVar(&token, "token", "", "Login token. A token is generated and emailed if omitted.")
	return cmd
}

// Main runs the login flow and persists the resulting session.
func Main(email, token string) (err error) {
	if email == "" {
		return drivesyncerrors.NewFriendlyError("An email is required.\n" +
			"Please provide it with `drivesync login --email <email>`")
	}

	if token == "" {
		if token, err = requestToken(email); err != nil {
			return drivesyncerrors.WithContext(err, "request token")
		}
	}

	session, err := exchangeToken(email, token)
	if err != nil {
		return drivesyncerrors.WithContext(err, "exchange token")
	}

	if err := persist(session); err != nil {
		return drivesyncerrors.WithContext(err, "save credentials")
	}

	fmt.Println("Successfully logged in.")
	return nil
}

func requestToken(email string) (string, error) {
	payloadBytes, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return "", drivesyncerrors.WithContext(err, "create payload")
	}

	resp, err := http.Post(createTokenEndpoint, "application/json", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", drivesyncerrors.WithContext(err, "connect to login server")
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", drivesyncerrors.WithContext(err, "parse response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Println("A login token has been sent to your email.")
		fmt.Print("Enter it here: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", drivesyncerrors.WithContext(err, "read token")
		}
		return strings.TrimSpace(line), nil
	case http.StatusNotFound:
		return "", drivesyncerrors.NewFriendlyError("No account exists for %s.", email)
	default:
		return "", drivesyncerrors.New("server responded %s (%s)", resp.Status, parsed.Error)
	}
}

func exchangeToken(email, token string) (sessionResponse, error) {
	payloadBytes, err := json.Marshal(map[string]string{"email": email, "token": token})
	if err != nil {
		return sessionResponse{}, drivesyncerrors.WithContext(err, "create payload")
	}

	resp, err := http.Post(loginEndpoint, "application/json", bytes.NewReader(payloadBytes))
	if err != nil {
		return sessionResponse{}, drivesyncerrors.WithContext(err, "connect to login server")
	}
	defer resp.Body.Close()

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return sessionResponse{}, drivesyncerrors.WithContext(err, "parse response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return parsed, nil
	case http.StatusUnauthorized:
		return sessionResponse{}, drivesyncerrors.NewFriendlyError(
			"Invalid or expired token. Tokens expire after 30 minutes.")
	default:
		return sessionResponse{}, drivesyncerrors.New("server responded %s (%s)", resp.Status, parsed.Error)
	}
}

func persist(session sessionResponse) error {
	recordPath, keyPath, err := config.GetCredentialStorePaths()
	if err != nil {
		return drivesyncerrors.WithContext(err, "resolve credential store path")
	}

	store, err := credstore.Open(recordPath, keyPath)
	if err != nil {
		return drivesyncerrors.WithContext(err, "open credential store")
	}

	ctx := context.Background()
	rec, err := store.Load(ctx)
	if err != nil {
		return drivesyncerrors.WithContext(err, "read existing credentials")
	}
	rec.Cookie = session.Cookie
	rec.CSRFToken = session.CSRFToken
	return store.Save(ctx, rec)
}
