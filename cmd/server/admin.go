package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/kamikazebr/luna-auth/pkg/models"
	"github.com/kamikazebr/luna-auth/pkg/utils"
	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative commands",
	Long:  "Administrative commands for inspecting accounts, devices and audit history",
}

var showAccountCmd = &cobra.Command{
	Use:   "show-account",
	Short: "Show an account by email",
	RunE:  runShowAccountCommand,
}

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List the device records of an account",
	RunE:  runListDevicesCommand,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent audit events of an account",
	Long:  "Reads the account's audit events from Firestore (requires AUDIT_BACKEND=firestore)",
	RunE:  runAuditCommand,
}

func init() {
	for _, c := range []*cobra.Command{showAccountCmd, listDevicesCmd, auditCmd} {
		c.Flags().String("email", "", "Account email (required)")
		c.MarkFlagRequired("email")
	}
	auditCmd.Flags().Int("limit", 20, "Number of events to show")

	adminCmd.AddCommand(showAccountCmd, listDevicesCmd, auditCmd)
}

// withServer loads config, builds the server dependencies and runs fn.
func withServer(cmd *cobra.Command, fn func(s *server) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	srv, err := newServer(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer srv.Close()
	return fn(srv)
}

func lookupAccount(cmd *cobra.Command, s *server) (*models.Account, error) {
	email, _ := cmd.Flags().GetString("email")
	account, err := s.store.Accounts().GetByEmail(cmd.Context(), utils.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("account not found: %s", email)
	}
	return account, nil
}

func runShowAccountCommand(cmd *cobra.Command, args []string) error {
	return withServer(cmd, func(s *server) error {
		account, err := lookupAccount(cmd, s)
		if err != nil {
			return err
		}

		fmt.Printf("\nAccount: %s\n", account.Email)
		fmt.Println(strings.Repeat("=", 60))
		fmt.Printf("ID:             %s\n", account.ID)
		fmt.Printf("Username:       %s\n", account.Username)
		fmt.Printf("Provider:       %s\n", account.Provider)
		fmt.Printf("Role:           %s\n", account.Role)
		fmt.Printf("Active:         %v\n", account.Active)
		fmt.Printf("Email verified: %v\n", account.EmailVerified)
		if account.CountryCode != nil {
			fmt.Printf("Country:        %s\n", *account.CountryCode)
		}
		fmt.Printf("Created:        %s\n", account.CreatedAt.Format(time.RFC3339))
		return nil
	})
}

func runListDevicesCommand(cmd *cobra.Command, args []string) error {
	return withServer(cmd, func(s *server) error {
		account, err := lookupAccount(cmd, s)
		if err != nil {
			return err
		}

		devices, err := s.auth.Devices().List(cmd.Context(), account.ID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices found")
			return nil
		}

		fmt.Printf("%-36s %-9s %-16s %s\n", "FINGERPRINT", "VERIFIED", "IP", "LAST SEEN")
		for _, d := range devices {
			fmt.Printf("%-36s %-9v %-16s %s\n", truncateString(d.Fingerprint, 36), d.Verified, d.IPAddress, d.LastSeenAt.Format(time.RFC3339))
		}
		return nil
	})
}

func runAuditCommand(cmd *cobra.Command, args []string) error {
	return withServer(cmd, func(s *server) error {
		if s.auditLister == nil {
			return fmt.Errorf("audit history requires AUDIT_BACKEND=firestore")
		}
		account, err := lookupAccount(cmd, s)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		events, err := s.auditLister.ListForAccount(cmd.Context(), account.ID, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-26s %-16s %s\n", e.OccurredAt.Format(time.RFC3339), e.Type, e.IPAddress, truncateString(e.UserAgent, 40))
		}
		return nil
	})
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
