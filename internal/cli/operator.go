package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/contract-studio/internal/auth"
)

func createHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an operator password for the auth.users config section",
		Long: `Read a password from stdin and print its bcrypt hash. Paste the hash into
password_hash of an entry under auth.users.

EXAMPLES:
  echo -n 's3cret-pass' | studioctl hash-password
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no password on stdin")
			}
			hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func createTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for scripted API access",
		Long: `Sign a token with the server secret, read from $JWT_SECRET.

EXAMPLES:
  JWT_SECRET=... studioctl token --user ops --email ops@example.com --ttl 1h
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jm, err := auth.NewJWTManager(os.Getenv("JWT_SECRET"))
			if err != nil {
				return err
			}
			if userID == "" {
				userID = email
			}
			if userID == "" {
				return errors.New("--user or --email is required")
			}
			token, err := jm.GenerateToken(context.Background(), userID, email, []string{auth.OperatorRole}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to the email)")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
