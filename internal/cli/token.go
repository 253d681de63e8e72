package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/upb/ai-control-plane/auth"
)

// NewTokenCommand creates the token command group
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens for development and smoke tests",
	}
	cmd.AddCommand(newTokenIssueCommand(rootOpts))
	return cmd
}

func newTokenIssueCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		cfg         auth.Config
		tenantID    string
		userID      string
		roles       []string
		permissions []string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token the gateway accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Secret == "" {
				return NewExitError(ExitCommandError, "a signing secret is required (--secret or JWT_SECRET)")
			}
			if ttl <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --ttl %s", ttl))
			}

			token, err := auth.NewIssuer(cfg).Issue(tenantID, userID, roles, permissions, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to issue token", err)
			}
			out := map[string]interface{}{
				"token":      token,
				"tenant_id":  tenantID,
				"user_id":    userID,
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			}
			return rootOpts.printer(cmd).Success(out, token)
		},
	}

	cmd.Flags().StringVar(&cfg.Secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&cfg.Issuer, "issuer", envOr("JWT_ISSUER", "hearing-crm"), "iss claim")
	cmd.Flags().StringVar(&cfg.Audience, "audience", envOr("JWT_AUDIENCE", "ai-control-plane"), "aud claim")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role (repeatable)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "permission (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
