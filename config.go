package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind    string
	port    int
	prefix  string
	profile bool
	tlsCert string
	tlsKey  string
	verbose bool
	version bool

	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	queueTimeout    time.Duration
	joinTimeout     time.Duration
	maxJoinAttempts int

	revealOffset     time.Duration
	broadcastRetries int
	broadcastBackoff time.Duration
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.staleThreshold <= c.heartbeatInterval {
		return fmt.Errorf("--stale-threshold (%s) must exceed --heartbeat-interval (%s)", c.staleThreshold, c.heartbeatInterval)
	}
	if c.maxJoinAttempts < 1 {
		return fmt.Errorf("invalid --max-join-attempts: %d", c.maxJoinAttempts)
	}
	if c.broadcastRetries < 1 {
		return fmt.Errorf("invalid --broadcast-retries: %d", c.broadcastRetries)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("QUIZBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizbox",
		Short:         "Real-time coordination server for live trivia sessions, for host displays and mobile players.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZBOX_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: QUIZBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: QUIZBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: QUIZBOX_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: QUIZBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: QUIZBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: QUIZBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: QUIZBOX_VERSION)")

	fs.DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", 25*time.Second, "interval between stale connection sweeps (env: QUIZBOX_HEARTBEAT_INTERVAL)")
	fs.DurationVar(&cfg.staleThreshold, "stale-threshold", 50*time.Second, "time without a heartbeat before a connection is evicted (env: QUIZBOX_STALE_THRESHOLD)")
	fs.DurationVar(&cfg.queueTimeout, "queue-timeout", 30*time.Second, "time before an unresolved join request times out (env: QUIZBOX_QUEUE_TIMEOUT)")
	fs.DurationVar(&cfg.joinTimeout, "join-timeout", 10*time.Second, "deadline for a single join attempt against the session store (env: QUIZBOX_JOIN_TIMEOUT)")
	fs.IntVar(&cfg.maxJoinAttempts, "max-join-attempts", 3, "attempts before a join request is failed (env: QUIZBOX_MAX_JOIN_ATTEMPTS)")
	fs.DurationVar(&cfg.revealOffset, "reveal-offset", 500*time.Millisecond, "delay between countdown completion and synchronized question reveal (env: QUIZBOX_REVEAL_OFFSET)")
	fs.IntVar(&cfg.broadcastRetries, "broadcast-retries", 3, "delivery attempts for critical messages before a client is dropped (env: QUIZBOX_BROADCAST_RETRIES)")
	fs.DurationVar(&cfg.broadcastBackoff, "broadcast-backoff", 50*time.Millisecond, "base backoff between critical delivery attempts (env: QUIZBOX_BROADCAST_BACKOFF)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
