// Package cli implements govctl, the operator command line for the AI
// control plane.
package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/upb/ai-control-plane/config"
	"github.com/upb/ai-control-plane/repositories/postgres"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Format  string
	Verbose bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Timeout       time.Duration

	// NoAuditDB writes kill switch audit events to the log instead of the
	// audit database
	NoAuditDB bool

	openAuditDB func(logger *zap.Logger) (*postgres.DB, error)
}

// NewRootCommand creates the govctl root command. Flag defaults come from
// the same environment variables the gateway reads.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{openAuditDB: openAuditDB})
}

func newRootCommand(opts *RootOptions) *cobra.Command {

	cmd := &cobra.Command{
		Use:   "govctl",
		Short: "Operate the AI governance control plane",
		Long: `govctl manages kill switches in the shared Redis store, checks policy
rulesets before they are deployed and issues development tokens.

Kill switch changes are audited to the database named by DATABASE_URL_AUDIT
or DATABASE_URL, the same one the gateway writes to.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != FormatText && opts.Format != FormatJSON {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be text or json", opts.Format))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log diagnostics to stderr")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.PersistentFlags().StringVar(&opts.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	cmd.PersistentFlags().IntVar(&opts.RedisDB, "redis-db", envIntOr("REDIS_DB", 0), "Redis database")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "timeout for store operations")
	cmd.PersistentFlags().BoolVar(&opts.NoAuditDB, "no-audit-db", false, "log kill switch audit events instead of writing them to the audit database")

	cmd.AddCommand(NewKillSwitchCommand(opts))
	cmd.AddCommand(NewPolicyCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) printer(cmd *cobra.Command) *Printer {
	return &Printer{Format: o.Format, Out: cmd.OutOrStdout()}
}

// logger writes to stderr so JSON output on stdout stays parseable
func (o *RootOptions) logger(cmd *cobra.Command) *zap.Logger {
	level := zapcore.InfoLevel
	if o.Verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(cmd.ErrOrStderr()), level)
	return zap.New(core)
}

// redisClient connects and pings the shared store
func (o *RootOptions) redisClient(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.RedisAddr,
		Password: o.RedisPassword,
		DB:       o.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("redis at %s unreachable", o.RedisAddr), err)
	}
	return client, nil
}

// openAuditDB connects to the database the gateway writes audit events to
func openAuditDB(logger *zap.Logger) (*postgres.DB, error) {
	return postgres.NewDB(config.LoadAuditDatabase(), logger)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
