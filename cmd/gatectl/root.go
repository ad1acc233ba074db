package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/InsulaLabs/agentgate/client"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	envURL        = "AGENTGATE_URL"
	envApiKey     = "AGENTGATE_API_KEY"
	envWebhookKey = "AGENTGATE_WEBHOOK_KEY"
	defaultURL    = "http://127.0.0.1:3010"
)

type globalFlags struct {
	URL        string
	ApiKey     string
	WebhookKey string
	SkipVerify bool
	Timeout    time.Duration
	Verbose    bool
	Output     string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&g.URL, "url", envOr(envURL, defaultURL), "Gateway base URL (env "+envURL+")")
	fs.StringVar(&g.ApiKey, "api-key", os.Getenv(envApiKey), "x-api-key value, <role>.<token> (env "+envApiKey+")")
	fs.StringVar(&g.WebhookKey, "webhook-key", os.Getenv(envWebhookKey), "Shared webhook key used by publish (env "+envWebhookKey+")")
	fs.BoolVar(&g.SkipVerify, "skip-verify", false, "Skip TLS certificate verification")
	fs.DurationVar(&g.Timeout, "request-timeout", 10*time.Second, "Timeout for non-streaming requests")
	fs.BoolVarP(&g.Verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVarP(&g.Output, "output", "o", "text", "Output format (text|json)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type app struct {
	flags  globalFlags
	out    io.Writer
	errOut io.Writer
	logger *slog.Logger
}

func (a *app) client() (*client.Client, error) {
	return client.NewClient(&client.Config{
		BaseURL:       a.flags.URL,
		ApiKey:        a.flags.ApiKey,
		WebhookApiKey: a.flags.WebhookKey,
		SkipVerify:    a.flags.SkipVerify,
		Timeout:       a.flags.Timeout,
		Logger:        a.logger,
	})
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "gatectl",
		Short: "Operate an agentgate gateway",
		Long: `gatectl talks to an agentgate gateway: tail event streams, wait for a
single matching event, publish webhooks as an agent would, onboard tenants
and join the event relay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := charmlog.InfoLevel
			if a.flags.Verbose {
				level = charmlog.DebugLevel
			}
			a.logger = slog.New(charmlog.NewWithOptions(a.errOut, charmlog.Options{
				Level:           level,
				ReportTimestamp: true,
				TimeFormat:      time.TimeOnly,
				Prefix:          "gatectl",
			}))
			if a.flags.Output != "text" && a.flags.Output != "json" {
				return fmt.Errorf("unknown output format %q, want text or json", a.flags.Output)
			}
			return nil
		},
	}
	a.flags.register(root.PersistentFlags())

	root.AddCommand(
		newTailCmd(a),
		newWaitCmd(a),
		newPublishCmd(a),
		newOnboardCmd(a),
		newPingCmd(a),
		newRelayCmd(a),
		newConfigCmd(a),
	)
	return root
}
