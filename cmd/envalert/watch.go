package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sensorwatch/envalert/internal/client"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the alert stream, polling while it is down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server != "" {
				a.settings.Client.Server = server
			}
			return a.watch(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "override client.server")
	return cmd
}

func (a *app) watch(ctx context.Context, out io.Writer) error {
	s := a.settings.Client
	api, err := client.New(s.Server, nil)
	if err != nil {
		return err
	}
	store, err := client.OpenStateStore(s)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	opts := client.OptionsFromSettings(s)
	opts.Store = store
	opts.Logger = a.log
	opts.Handler = func(sa client.Surfaced) {
		_, _ = fmt.Fprintln(out, formatSurfaced(sa))
	}

	receiver, err := client.NewReceiver(api, opts)
	if err != nil {
		return err
	}
	return receiver.Run(ctx)
}

func formatSurfaced(sa client.Surfaced) string {
	a := sa.Alert
	marker := " "
	if sa.OpenModal {
		marker = "!"
	}
	return fmt.Sprintf("%s %s #%d [%s] %s sensor=%s %s (%s)",
		marker, a.CreatedAt.Local().Format(time.DateTime), a.ID, a.Level, a.Name, a.SensorID, a.Message, sa.Source)
}

func newAckCmd(a *app) *cobra.Command {
	return newTransitionCmd(a, "ack <alert-id>", "Acknowledge an open alert", (*client.Client).Acknowledge)
}

func newCloseCmd(a *app) *cobra.Command {
	return newTransitionCmd(a, "close <alert-id>", "Close an alert", (*client.Client).Close)
}

func newTransitionCmd(a *app, use, short string,
	apply func(*client.Client, context.Context, uint, string) (*entities.Alert, error),
) *cobra.Command {
	var server, actor string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return errors.Newf("invalid alert id %q", args[0]).
					Component("cli").
					Category(errors.CategoryValidation).
					Build()
			}
			if server == "" {
				server = a.settings.Client.Server
			}
			api, err := client.New(server, nil)
			if err != nil {
				return err
			}
			alert, err := apply(api, cmd.Context(), uint(id), actor)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "alert %d: %s\n", alert.ID, alert.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "override client.server")
	cmd.Flags().StringVar(&actor, "actor", "", "who performs the action (server default when empty)")
	return cmd
}
