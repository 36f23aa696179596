package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamikazebr/luna-auth/internal/client/api"
	"github.com/kamikazebr/luna-auth/internal/client/auth"
	"github.com/kamikazebr/luna-auth/internal/client/config"
	"github.com/kamikazebr/luna-auth/internal/client/ui"
	"github.com/kamikazebr/luna-auth/pkg/version"
)

const appName = "luna"

var serverFlag string

var rootCmd = &cobra.Command{
	Use:           appName,
	Short:         "Luna account client",
	Long:          "CLI for signing in to a luna-auth server and managing the local session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in with email and password",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and verify its email",
	RunE:  runRegister,
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password [email]",
	Short: "Reset a forgotten password with an emailed code",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResetPassword,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local session",
	RunE:  runStatus,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE:  runWhoami,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices seen for this account",
	RunE:  runDevices,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rotate the session tokens now",
	RunE:  runRefresh,
}

var logoutYes bool

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and revoke the refresh token",
	RunE:  runLogout,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersion(appName))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "server URL (default $LUNA_SERVER, then the saved server)")
	logoutCmd.Flags().BoolVarP(&logoutYes, "yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(loginCmd, registerCmd, resetPasswordCmd, statusCmd, whoamiCmd, devicesCmd, refreshCmd, logoutCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// openSession loads the saved config and applies the server override.
func openSession() (*auth.Session, error) {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	switch {
	case serverFlag != "":
		cfg.ServerURL = serverFlag
	case os.Getenv("LUNA_SERVER") != "":
		cfg.ServerURL = os.Getenv("LUNA_SERVER")
	}
	client := api.NewClient(cfg.ServerURL, appName+"/"+version.Version)
	return auth.NewSession(client, cfg), nil
}

var stdin = bufio.NewReader(os.Stdin)

func emailArg(args []string, fallback string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return ui.ReadLine(stdin, os.Stdout, "Email")
}

func runLogin(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	email, err := emailArg(args, "")
	if err != nil {
		return err
	}
	password, err := ui.ReadPassword(stdin, os.Stdout, "Password")
	if err != nil {
		return err
	}

	account, err := s.Login(cmd.Context(), email, password, ui.PromptCode)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Println(ui.SuccessStyle.Render(fmt.Sprintf("✓ Signed in as %s (%s)", account.Username, account.Email)))
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client := s.Client()

	email, err := ui.ReadLine(stdin, os.Stdout, "Email")
	if err != nil {
		return err
	}
	username, err := ui.ReadLine(stdin, os.Stdout, "Username")
	if err != nil {
		return err
	}
	password, err := ui.ReadPassword(stdin, os.Stdout, "Password")
	if err != nil {
		return err
	}

	res, err := client.Register(ctx, email, username, password)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Println(res.Message)

	for {
		code, err := ui.PromptCode(ctx, "Enter the verification code sent to "+email)
		if err != nil {
			return err
		}
		if _, err = client.VerifyEmail(ctx, email, code); err == nil {
			break
		}
		if api.StatusOf(err) != http.StatusBadRequest {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Println(ui.ErrorStyle.Render("Invalid or expired code."))
		resend, err := ui.Confirm("Send a new code?")
		if err != nil {
			return err
		}
		if resend {
			if err := client.ResendOTP(ctx, email); err != nil {
				return err
			}
		}
	}

	fmt.Println(ui.SuccessStyle.Render("✓ Email verified. Run 'luna login' to sign in."))
	s.Config().Email = email
	return s.Config().Save()
}

func runResetPassword(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client := s.Client()

	email, err := emailArg(args, s.Config().Email)
	if err != nil {
		return err
	}
	if err := client.ForgotPassword(ctx, email); err != nil {
		return err
	}
	code, err := ui.PromptCode(ctx, "Enter the reset code sent to "+email)
	if err != nil {
		return err
	}
	if err := client.VerifyResetCode(ctx, email, code); err != nil {
		return fmt.Errorf("code rejected: %w", err)
	}
	password, err := ui.ReadPassword(stdin, os.Stdout, "New password")
	if err != nil {
		return err
	}
	if err := client.ResetPassword(ctx, email, password); err != nil {
		return err
	}

	// every session was revoked server-side
	s.Config().ClearSession()
	if err := s.Config().Save(); err != nil {
		return err
	}
	fmt.Println(ui.SuccessStyle.Render("✓ Password updated. Sign in again with 'luna login'."))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.LoggedIn() {
		fmt.Println("Status: Not logged in")
		fmt.Println("\nRun 'luna login' to authenticate")
		return nil
	}

	now := time.Now()
	fmt.Println(ui.TitleStyle.Render("Luna - Session"))
	fmt.Printf("Server:       %s\n", cfg.ServerURL)
	fmt.Printf("Email:        %s\n", cfg.Email)
	fmt.Printf("Device:       %s\n", cfg.Fingerprint)
	fmt.Printf("Access:       %s\n", cfg.AccessTokenExpiresAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Session:      %s\n", cfg.RefreshTokenExpiresAt.Local().Format("2006-01-02 15:04:05"))

	switch {
	case cfg.RefreshExpired(now):
		fmt.Println("Status:       " + ui.ErrorStyle.Render("EXPIRED"))
		fmt.Println("\nRun 'luna login' to sign in again")
	case cfg.AccessExpiresWithin(now, 0):
		fmt.Println("Status:       access token expired, will refresh on next use")
	default:
		fmt.Printf("Status:       %s\n", ui.SuccessStyle.Render(fmt.Sprintf("✓ VALID (%s remaining)", time.Until(cfg.AccessTokenExpiresAt).Round(time.Second))))
	}
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	token, err := s.AccessToken(cmd.Context())
	if err != nil {
		return err
	}
	account, err := s.Client().Me(cmd.Context(), token)
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", account.ID)
	fmt.Printf("Email:     %s\n", account.Email)
	fmt.Printf("Username:  %s\n", account.Username)
	fmt.Printf("Provider:  %s\n", account.Provider)
	fmt.Printf("Role:      %s\n", account.Role)
	if account.Country != nil {
		fmt.Printf("Country:   %s\n", *account.Country)
	}
	return nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	token, err := s.AccessToken(cmd.Context())
	if err != nil {
		return err
	}
	devices, err := s.Client().Devices(cmd.Context(), token)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No devices.")
		return nil
	}
	for _, d := range devices {
		marker := "  "
		if d.Fingerprint == s.Config().Fingerprint {
			marker = "▸ "
		}
		state := "pending"
		if d.Verified {
			state = "verified"
		}
		fmt.Printf("%s%-32s  %-8s  %-15s  last seen %s\n", marker, d.Fingerprint, state, d.IPAddress, d.LastSeenAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	if !s.Config().LoggedIn() {
		return config.ErrNotLoggedIn
	}
	if _, err := s.Refresh(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("✓ Session refreshed, access token valid until %s\n", s.Config().AccessTokenExpiresAt.Local().Format("15:04:05"))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	if !s.Config().LoggedIn() {
		fmt.Println("Not logged in.")
		return nil
	}

	if !logoutYes {
		ok, err := ui.Confirm("Sign out of "+s.Config().Email+"?", ui.WithDescription("The refresh token is revoked on the server."))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := s.Logout(cmd.Context()); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	fmt.Println("✓ Logged out")
	return nil
}
