package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs after configuration is loaded.
type app struct {
	configPath string
	settings   *conf.Settings
	log        logger.Logger
	logOutput  io.Writer
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{logOutput: os.Stderr})
}

func newRootCmdFor(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "envalert",
		Short:         "Environmental sensor alerting",
		Long:          "envalert evaluates sensor measurements against alert rules, stores alerts and streams them to clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"config file (default ./envalert.yaml or $HOME/.config/envalert/envalert.yaml)")

	root.AddCommand(
		newServeCmd(a),
		newEvaluateCmd(a),
		newWatchCmd(a),
		newAckCmd(a),
		newCloseCmd(a),
		newMigrateCmd(a),
	)
	return root
}

// init loads settings and installs the process logger.
func (a *app) init() error {
	settings, err := conf.Load(a.configPath)
	if err != nil {
		return err
	}
	a.settings = settings

	level, err := logger.ParseLevel(settings.Log.Level)
	if err != nil {
		return errors.New(err).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	var tz *time.Location
	if settings.Log.Timezone != "" {
		tz, err = time.LoadLocation(settings.Log.Timezone)
		if err != nil {
			return errors.New(err).
				Component("cli").
				Category(errors.CategoryConfiguration).
				Context("timezone", settings.Log.Timezone).
				Build()
		}
	}

	if strings.EqualFold(settings.Log.Format, "text") {
		a.log = logger.NewTextLogger(a.logOutput, level, tz)
	} else {
		a.log = logger.NewSlogLogger(a.logOutput, level, tz)
	}
	logger.SetGlobal(a.log)
	return nil
}
