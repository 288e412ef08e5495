package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/littleironwaltz/authsession/internal/bootstrap"
	"github.com/littleironwaltz/authsession/internal/logging"
	"github.com/littleironwaltz/authsession/pkg/apiclient"
	"github.com/littleironwaltz/authsession/pkg/auth"
	"github.com/littleironwaltz/authsession/pkg/config"
)

// Version information
const Version = "0.1.0"

// globalFlags are shared by every command
type globalFlags struct {
	configFile  string
	baseURL     string
	mode        string
	storage     string
	storagePath string
	verbose     bool
}

func main() {
	rootCmd := newRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", formatUserFriendlyError(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "authctl",
		Short: "authctl - manage an API session from the command line",
		Long: `A command-line client for an API session.
Credentials are kept in a local file by default so they survive between runs.
Use --mode json when the server should hand the refresh token to the client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", os.Getenv("AUTH_CONFIG_FILE"), "Config file (YAML or JSON)")
	pf.StringVar(&flags.baseURL, "base-url", "", "API base URL (overrides AUTH_BASE_URL)")
	pf.StringVar(&flags.mode, "mode", "", "Session mode: cookie or json (overrides AUTH_MODE)")
	pf.StringVar(&flags.storage, "storage", "", "Credential storage: file, valkey or memory (default file)")
	pf.StringVar(&flags.storagePath, "storage-path", "", "Credential file location")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(loginCmd(flags))
	rootCmd.AddCommand(logoutCmd(flags))
	rootCmd.AddCommand(refreshCmd(flags))
	rootCmd.AddCommand(tokenCmd(flags))
	rootCmd.AddCommand(setTokenCmd(flags))
	rootCmd.AddCommand(whoamiCmd(flags))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

// loadConfig applies command-line overrides on top of file and environment
func (f *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfigFrom(f.configFile)
	if err != nil {
		return cfg, err
	}

	if f.baseURL != "" {
		cfg.BaseURL = f.baseURL
	}
	if f.mode != "" {
		cfg.Mode = f.mode
	}
	switch {
	case f.storage != "":
		cfg.Storage.Backend = f.storage
	case os.Getenv("AUTH_STORAGE") == "" && cfg.Storage.Backend == config.StorageMemory:
		// A memory slot would be gone as soon as the command exits
		cfg.Storage.Backend = config.StorageFile
	}
	if f.storagePath != "" {
		cfg.Storage.Path = f.storagePath
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}

	// The process is gone long before any timer would fire
	cfg.AutoRefresh = false

	// Only the file backend keeps the refresh cookie between runs
	if mode, err := auth.ParseMode(cfg.Mode); err == nil && mode == auth.ModeCookie && strings.ToLower(cfg.Storage.Backend) != config.StorageFile {
		return cfg, fmt.Errorf("cookie mode needs --storage file to keep the refresh cookie; use --mode json with %s storage", cfg.Storage.Backend)
	}

	return cfg, nil
}

// openRuntime builds the session for one command invocation
func (f *globalFlags) openRuntime(ctx context.Context) (*bootstrap.Runtime, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Log.Level
	if !f.verbose {
		level = "warn"
	}
	logger := logging.New(logging.Config{
		Service: "authctl",
		Level:   level,
		Format:  cfg.Log.Format,
	})

	return bootstrap.New(ctx, cfg, logger)
}

// loginCmd authenticates with email and password
func loginCmd(flags *globalFlags) *cobra.Command {
	var email, password, otp, provider string
	var retries int
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		Long:  "Log in with email and password and store the issued credential.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if email == "" {
				email = rt.Config.Email
			}
			if password == "" {
				password = rt.Config.Password
			}
			if provider == "" {
				provider = rt.Config.Provider
			}
			if email == "" || password == "" {
				return errors.New("missing credentials: set --email and --password (or AUTH_EMAIL and AUTH_PASSWORD)")
			}

			opts := auth.LoginOptions{OTP: otp, Provider: provider}
			data, err := loginWithRetries(cmd.Context(), rt.Session, email, password, opts, retries)
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), expiryInfo(data))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged in successfully!")
			if expiry, ok := data.ExpiryTime(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Token expires at %s\n", expiry.Format(time.RFC3339))
			}
			return nil
		},
	}

	// Add flags
	cmd.Flags().StringVar(&email, "email", "", "Account email (default AUTH_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (default AUTH_PASSWORD)")
	cmd.Flags().StringVar(&otp, "otp", "", "One-time password for two-factor login")
	cmd.Flags().StringVar(&provider, "provider", "", "Login provider (default AUTH_PROVIDER)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry transport failures this many times")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")

	return cmd
}

// loginWithRetries retries only failures that never produced an API answer,
// or that the API marked as transient.
func loginWithRetries(ctx context.Context, session *auth.Session, email, password string, opts auth.LoginOptions, retries int) (auth.AuthenticationData, error) {
	if retries <= 0 {
		return session.Login(ctx, email, password, opts)
	}

	bOff := backoff.NewExponentialBackOff()
	bOff.InitialInterval = 500 * time.Millisecond
	bOff.MaxInterval = 5 * time.Second

	var data auth.AuthenticationData
	err := backoff.Retry(func() error {
		var err error
		data, err = session.Login(ctx, email, password, opts)
		if err == nil {
			return nil
		}
		if apiclient.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(bOff, uint64(retries)), ctx))

	return data, err
}

// logoutCmd ends the session
func logoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out and clear the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Session.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

// refreshCmd exchanges the stored credential for a new one
func refreshCmd(flags *globalFlags) *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			data, err := rt.Session.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(cmd.OutOrStdout(), expiryInfo(data))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Credential refreshed.")
			if expiry, ok := data.ExpiryTime(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Token expires at %s\n", expiry.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}

// tokenCmd prints the access token, renewing it first if needed
func tokenCmd(flags *globalFlags) *cobra.Command {
	var showClaims bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the current access token",
		Long:  "Print the current access token, refreshing it first when it is about to expire.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			token := rt.Session.GetToken(cmd.Context())
			if token == "" {
				return auth.ErrNotAuthenticated
			}

			if !showClaims {
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			}

			claims, err := decodeClaims(token)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), claims)
		},
	}

	cmd.Flags().BoolVar(&showClaims, "claims", false, "Decode the token's JWT claims without verifying them")
	return cmd
}

// decodeClaims reads a JWT's claims without checking its signature
func decodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("access token is not a JWT: %w", err)
	}
	return claims, nil
}

// setTokenCmd stores a static access token
func setTokenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <token>",
		Short: "Store a static access token",
		Long:  "Store a static access token. It has no refresh token and is never renewed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if token == "" {
				return errors.New("token must not be empty")
			}

			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Session.SetToken(cmd.Context(), token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token stored.")
			return nil
		},
	}
}

// whoamiCmd performs an authenticated GET with the session's token
func whoamiCmd(flags *globalFlags) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Fetch the current user",
		Long:  "Perform an authenticated GET request, /users/me by default, and print the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := flags.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			client := apiclient.NewClient(rt.Config.BaseURL,
				apiclient.WithTransport(&oauth2.Transport{
					Source: rt.Session.TokenSource(cmd.Context()),
					Base:   rt.Client.HTTPClient.Transport,
				}),
			)

			var out json.RawMessage
			if err := client.Get(cmd.Context(), path, nil, &out); err != nil {
				return err
			}

			var pretty any
			if err := json.Unmarshal(out, &pretty); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), pretty)
		},
	}

	cmd.Flags().StringVar(&path, "path", "/users/me", "API path to request")
	return cmd
}

// versionCmd displays the current version
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authctl v%s\n", Version)
		},
	}
}

type expiry struct {
	Expires   int64      `json:"expires,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func expiryInfo(data auth.AuthenticationData) expiry {
	info := expiry{Expires: data.Expires}
	if t, ok := data.ExpiryTime(); ok {
		utc := t.UTC()
		info.ExpiresAt = &utc
	}
	return info
}

func printJSON(w io.Writer, v any) error {
	jsonOutput, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting JSON: %w", err)
	}
	fmt.Fprintln(w, string(jsonOutput))
	return nil
}

// formatUserFriendlyError converts technical errors into user-friendly messages
func formatUserFriendlyError(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return "Not logged in. Run `authctl login` or `authctl set-token` first."

	case apiclient.IsUnauthorized(err):
		return "Authentication failed. Please check your credentials and try again."

	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again later."
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "request failed") {
		return "Could not connect to the API. Please check the base URL and your connection."
	}

	return fmt.Sprintf("An error occurred: %s", errMsg)
}
