package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vulntor/busbridge/pkg/appctx"
	"github.com/vulntor/busbridge/pkg/event"
	"github.com/vulntor/busbridge/pkg/modules"
)

func newRunCommand() *cobra.Command {
	var (
		readStdin bool
		linger    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "run",
		GroupID: "bus",
		Short:   "Connect the configured components and relay events",
		Long: `Connect every configured component to one bus and print what they publish.

With --stdin, each input line "<identifier> <json payload>" is published on
the bus. The command exits after input ends and the linger period passes, or
on SIGINT/SIGTERM.`,
		Example: `  echo 'echo.request {"hello":"world"}' | busbridge run -c busbridge.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := appctx.Logger(cmd.Context())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := connect(ctx, cfg, modules.Registry(), logger, appctx.Metrics(cmd.Context()))
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			for _, id := range s.published() {
				if _, err := s.bus.Observe(id, event.Tap(printEvent(out, id))); err != nil {
					return err
				}
			}
			logger.Info().Int("components", len(s.components)).Msg("Components connected")

			if !readStdin {
				<-ctx.Done()
				return nil
			}

			inputDone := make(chan error, 1)
			go func() { inputDone <- publishLines(ctx, s.bus, cmd.InOrStdin()) }()

			select {
			case <-ctx.Done():
				return nil
			case err := <-inputDone:
				if err != nil {
					return err
				}
			}

			select {
			case <-ctx.Done():
			case <-time.After(linger):
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&readStdin, "stdin", true, "Publish events read from stdin")
	cmd.Flags().DurationVar(&linger, "linger", time.Second, "Time to keep relaying after stdin ends")

	return cmd
}

// publishLines publishes "<identifier> <json>" lines until r is exhausted.
// Blank lines and lines starting with # are skipped.
func publishLines(ctx context.Context, bus event.EventBus, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		id, payload, err := parseEventLine(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := bus.Publish(ctx, id, payload); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return scanner.Err()
}

func parseEventLine(text string) (event.Identifier, any, error) {
	name, raw, _ := strings.Cut(text, " ")
	id := event.Identifier(name)
	if err := id.Validate(); err != nil {
		return "", nil, err
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return id, nil, nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", nil, fmt.Errorf("payload for %s is not JSON: %w", id, err)
	}
	return id, payload, nil
}

func printEvent(w io.Writer, id event.Identifier) func(context.Context, any) error {
	label := color.New(color.FgCyan, color.Bold).SprintFunc()
	return func(_ context.Context, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			data = []byte(fmt.Sprintf("%q", fmt.Sprint(payload)))
		}
		_, err = fmt.Fprintf(w, "%s %s\n", label(string(id)), data)
		return err
	}
}
