package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/InsulaLabs/agentgate/client"
	"github.com/InsulaLabs/agentgate/config"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/InsulaLabs/agentgate/runtime"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) render() renderer {
	return renderer{out: a.out, json: a.flags.Output == "json"}
}

func newTailCmd(a *app) *cobra.Command {
	var req client.StreamRequest
	cmd := &cobra.Command{
		Use:   "tail <wallet_id> [topic]",
		Short: "Stream a wallet's events",
		Long: `Stream a wallet's events as they arrive, starting with anything the
gateway buffered while nobody was listening. With --state the stream ends
on the first event reaching that state.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.WalletID = args[0]
			if len(args) == 2 {
				req.Topic = args[1]
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			r := a.render()
			return c.Stream(cmd.Context(), req, r.event)
		},
	}
	cmd.Flags().StringVar(&req.Field, "field", "", "Payload field to match, e.g. connection_id")
	cmd.Flags().StringVar(&req.FieldID, "id", "", "Value --field must have")
	cmd.Flags().StringVar(&req.DesiredState, "state", "", "End after the first event in this state")
	cmd.MarkFlagsRequiredTogether("field", "id")
	return cmd
}

func newWaitCmd(a *app) *cobra.Command {
	var (
		filters  []string
		walletID string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "wait <topic>",
		Short: "Block until one event matches and print its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilters(filters)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			payload, err := c.WaitFor(cmd.Context(), walletID, args[0], filter, timeout)
			if err != nil {
				return err
			}
			return a.render().payload(payload)
		},
	}
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "key=value the payload must match, repeatable")
	cmd.Flags().StringVar(&walletID, "wallet", "", "Wallet to wait on (admin keys only), defaults to the key's wallet")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait, defaults to the gateway's setting")
	return cmd
}

// parseFilters turns repeated key=value flags into a filter map.
func parseFilters(raw []string) (map[string]string, error) {
	filter := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", kv)
		}
		filter[k] = v
	}
	return filter, nil
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		walletID string
		payload  string
	)
	cmd := &cobra.Command{
		Use:   "publish <origin> <agent_topic>",
		Short: "Post a webhook to the gateway as an agent would",
		Long: `Post a webhook to the gateway as an agent would. The payload is read
from --payload, or from stdin when --payload is "-".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(payload)
			if payload == "-" {
				var err error
				if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			if err := c.Publish(cmd.Context(), args[0], args[1], walletID, body); err != nil {
				return err
			}
			a.logger.Info("Published", "origin", args[0], "agent_topic", args[1], "wallet_id", walletID)
			return nil
		},
	}
	cmd.Flags().StringVar(&walletID, "wallet", "", "Wallet the event belongs to, empty for the admin wallet")
	cmd.Flags().StringVar(&payload, "payload", "{}", `Webhook body as a JSON object, or "-" for stdin`)
	return cmd
}

func newOnboardCmd(a *app) *cobra.Command {
	var req models.OnboardRequest
	cmd := &cobra.Command{
		Use:   "onboard <wallet_id>",
		Short: "Grant a tenant the issuer or verifier role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			result, err := c.Onboard(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return a.render().value(result)
		},
	}
	cmd.Flags().StringSliceVar(&req.Roles, "role", nil, "Role to grant (issuer|verifier), repeatable")
	cmd.Flags().StringVar(&req.Label, "label", "", "Tenant name used in the endorser connection alias")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newPingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check the gateway and show who the api key resolves to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			pong, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			return a.render().value(pong)
		},
	}
}

func newRelayCmd(a *app) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Join the event relay and print every event the gateway emits",
		Long: `Join the gateway's /pubsub relay and print every event it emits. With
--stdin, each line read from stdin is published into the relay as a JSON
event. Requires an admin key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var outbound chan models.Event
			if fromStdin {
				outbound = make(chan models.Event)
				go a.readEvents(ctx, cmd.InOrStdin(), outbound)
			}

			r := a.render()
			return c.Relay(ctx, outbound, func(e models.Event) {
				if err := r.event(e); err != nil {
					a.logger.Error("Failed to print event", "error", err)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Publish JSON events read line by line from stdin")
	return cmd
}

func (a *app) readEvents(ctx context.Context, in io.Reader, outbound chan<- models.Event) {
	defer close(outbound)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e models.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.Topic == "" {
			a.logger.Warn("Skipping invalid event line", "line", line, "error", err)
			continue
		}
		select {
		case outbound <- e:
		case <-ctx.Done():
			return
		}
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new-config [path]",
		Short: "Write a default gateway configuration",
		Long:  "Write a default gateway configuration to path, or print it when no path is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GenerateConfig()
			if len(args) == 0 {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = a.out.Write(data)
				return err
			}
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := runtime.WriteConfig(args[0], cfg); err != nil {
				return err
			}
			a.logger.Info("Wrote configuration", "path", args[0])
			return nil
		},
	}
}
