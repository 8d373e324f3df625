package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vulntor/busbridge/pkg/appctx"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/modules"
	"github.com/vulntor/busbridge/pkg/plainfunc"
)

func newPublishCommand() *cobra.Command {
	var (
		expect    string
		correlate bool
	)

	cmd := &cobra.Command{
		Use:     "publish <identifier> [json payload]",
		GroupID: "bus",
		Short:   "Connect the configured components, publish one event and optionally await a reply",
		Example: `  busbridge publish square.request '{"x": 7}' --expect square.response --correlate`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := appctx.Logger(cmd.Context())

			id, payload, err := parseEventLine(strings.Join(args, " "))
			if err != nil {
				return err
			}

			var filter event.Filter
			if correlate {
				fields, ok := payload.(map[string]any)
				if !ok {
					fields = map[string]any{}
				}
				if _, set := fields[plainfunc.CorrelationKey]; !set {
					fields[plainfunc.CorrelationKey] = uuid.NewString()
				}
				payload = fields
				filter = event.MatchField(plainfunc.CorrelationKey, fields[plainfunc.CorrelationKey])
			}

			s, err := connect(cmd.Context(), cfg, modules.Registry(), logger, appctx.Metrics(cmd.Context()))
			if err != nil {
				return err
			}
			defer s.close()

			var pending *event.Pending
			if expect != "" {
				awaiter := event.NewAwaiter(s.bus, event.WithTimeout(cfg.Awaiter.AwaitTimeout()))
				if pending, err = awaiter.Expect(event.Identifier(expect), filter); err != nil {
					return err
				}
				defer pending.Cancel()
			}

			result, err := s.bus.Publish(cmd.Context(), id, payload)
			if err != nil {
				return err
			}
			if pending == nil {
				return printJSON(cmd, color.New(color.FgGreen).Sprint("published"), result)
			}

			reply, err := pending.Wait(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, color.New(color.FgCyan, color.Bold).Sprint(expect), reply)
		},
	}

	cmd.Flags().StringVar(&expect, "expect", "", "Wait for this event and print its payload")
	cmd.Flags().BoolVar(&correlate, "correlate", false, "Add a correlation id and only accept the reply carrying it")

	return cmd
}

func printJSON(cmd *cobra.Command, label string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", label, data)
	return err
}
