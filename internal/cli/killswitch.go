package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/ai-control-plane/internal/redact"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories/postgres"
	"github.com/upb/ai-control-plane/services"
	"github.com/upb/ai-control-plane/services/audit"
	"github.com/upb/ai-control-plane/services/killswitch"
)

// logRecorder writes kill switch events to the operator's log when govctl
// runs with --no-audit-db
type logRecorder struct {
	logger *zap.Logger
}

func (r logRecorder) Record(ctx context.Context, event *models.AuditEvent) error {
	r.logger.Info("audit event",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("tenant_id", event.TenantID),
		zap.String("outcome", string(event.Outcome)),
		zap.String("actor", event.UserID),
		zap.ByteString("details", event.Details))
	return nil
}

type killSwitchFlags struct {
	scope  string
	target string
	reason string
	actor  string
}

// NewKillSwitchCommand creates the killswitch command group
func NewKillSwitchCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "killswitch",
		Aliases: []string{"ks"},
		Short:   "Manage emergency stops in the shared store",
	}

	cmd.AddCommand(newKillSwitchListCommand(rootOpts))
	cmd.AddCommand(newKillSwitchActivateCommand(rootOpts))
	cmd.AddCommand(newKillSwitchDeactivateCommand(rootOpts))
	cmd.AddCommand(newKillSwitchCheckCommand(rootOpts))
	return cmd
}

func newKillSwitchListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active kill switches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKillSwitches(cmd, rootOpts, false, func(ctx context.Context, svc *killswitch.Service) error {
				entries, err := svc.List(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list kill switches", err)
				}
				if entries == nil {
					entries = []killswitch.Entry{}
				}
				return rootOpts.printer(cmd).Success(entries, formatEntries(entries))
			})
		},
	}
}

func newKillSwitchActivateCommand(rootOpts *RootOptions) *cobra.Command {
	f := &killSwitchFlags{}
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Block AI requests for a scope",
		Example: `  govctl killswitch activate --scope global --reason "provider incident"
  govctl killswitch activate --scope tenant --target clinic-42 --reason "data leak report"
  govctl killswitch activate --scope capability --target ocr --reason "bad extractions"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := killswitch.ParseScope(f.scope)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --scope", err)
			}
			return withKillSwitches(cmd, rootOpts, true, func(ctx context.Context, svc *killswitch.Service) error {
				entry, err := svc.Activate(ctx, killswitch.ActivateRequest{
					Scope:       scope,
					TargetID:    f.target,
					ActivatedBy: f.actor,
					Reason:      f.reason,
				})
				if err != nil {
					return domainExitError("failed to activate kill switch", err)
				}
				return rootOpts.printer(cmd).Success(entry, fmt.Sprintf("activated %s", describe(entry.Scope, entry.TargetID)))
			})
		},
	}
	addKillSwitchFlags(cmd, f)
	cmd.Flags().StringVar(&f.reason, "reason", "", "why the switch is activated (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newKillSwitchDeactivateCommand(rootOpts *RootOptions) *cobra.Command {
	f := &killSwitchFlags{}
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Clear a kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := killswitch.ParseScope(f.scope)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --scope", err)
			}
			return withKillSwitches(cmd, rootOpts, true, func(ctx context.Context, svc *killswitch.Service) error {
				if err := svc.Deactivate(ctx, scope, f.target, f.actor); err != nil {
					return domainExitError("failed to deactivate kill switch", err)
				}
				result := map[string]string{"scope": string(scope), "target_id": f.target, "status": "deactivated"}
				return rootOpts.printer(cmd).Success(result, fmt.Sprintf("deactivated %s", describe(scope, f.target)))
			})
		},
	}
	addKillSwitchFlags(cmd, f)
	return cmd
}

func newKillSwitchCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var tenantID, capability string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show whether a tenant and capability would be blocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKillSwitches(cmd, rootOpts, false, func(ctx context.Context, svc *killswitch.Service) error {
				res := svc.Check(ctx, tenantID, capability)
				text := "not blocked"
				if res.Blocked {
					text = fmt.Sprintf("blocked by %s: %s", describe(res.Scope, res.TargetID), res.Reason)
				}
				return rootOpts.printer(cmd).Success(res, text)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&capability, "capability", "", "capability, e.g. chat or actions.execute")
	return cmd
}

func addKillSwitchFlags(cmd *cobra.Command, f *killSwitchFlags) {
	cmd.Flags().StringVar(&f.scope, "scope", "", "global, tenant or capability (required)")
	cmd.Flags().StringVar(&f.target, "target", "", "tenant id or capability name")
	cmd.Flags().StringVar(&f.actor, "actor", defaultActor(), "operator recorded in the audit event")
	_ = cmd.MarkFlagRequired("scope")
}

// withKillSwitches runs fn against a kill switch service on the shared
// store. Commands that change state get the audit database as recorder, and
// fail before touching Redis when it cannot be reached.
func withKillSwitches(cmd *cobra.Command, rootOpts *RootOptions, audited bool, fn func(context.Context, *killswitch.Service) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), rootOpts.Timeout)
	defer cancel()

	logger := rootOpts.logger(cmd)
	defer func() { _ = logger.Sync() }()

	var recorder killswitch.Recorder = logRecorder{logger: logger}
	if audited && !rootOpts.NoAuditDB {
		db, err := rootOpts.openAuditDB(logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "audit database unreachable (use --no-audit-db to log events instead)", err)
		}
		defer db.Close()

		salt := []byte(os.Getenv("AI_REDACTION_SALT"))
		recorder = audit.NewSink(
			postgres.NewAuditRepository(db, logger),
			postgres.NewTransactionManager(db, logger),
			redact.New(salt, nil),
			logger,
			audit.DefaultConfig(),
		)
	}

	client, err := rootOpts.redisClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	svc := killswitch.NewService(killswitch.NewRedisStore(client), recorder, logger, 0)
	return fn(ctx, svc)
}

func domainExitError(message string, err error) error {
	if services.IsNotFoundError(err) {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

func describe(scope killswitch.Scope, target string) string {
	if target == "" {
		return string(scope) + " kill switch"
	}
	return fmt.Sprintf("%s kill switch for %s", scope, target)
}

func formatEntries(entries []killswitch.Entry) string {
	if len(entries) == 0 {
		return "no active kill switches"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tTARGET\tACTIVATED BY\tACTIVATED AT\tREASON")
	for _, e := range entries {
		target := e.TargetID
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Scope, target, e.ActivatedBy, e.ActivatedAt.Format(time.RFC3339), e.Reason)
	}
	_ = tw.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "govctl:" + u
	}
	return "govctl"
}
