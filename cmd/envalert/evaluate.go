package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/datastore/v2"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/ingest"
	"github.com/spf13/cobra"
)

type evaluateFlags struct {
	sensor    string
	variable  string
	value     string
	timestamp string
	stdin     bool
}

// evaluation is one line of `envalert evaluate` output.
type evaluation struct {
	Measurement alerting.Measurement `json:"measurement"`
	Candidates  []alerting.Candidate `json:"candidates"`
}

func newEvaluateCmd(a *app) *cobra.Command {
	var f evaluateFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run the rule catalog against measurements without storing alerts",
		Long: "Evaluates one measurement from flags, or a JSON object or array from stdin. " +
			"Measurements are evaluated in order against a scratch store, so earlier ones " +
			"provide history for later ones. Prints one JSON line per measurement.",
		Example: `  envalert evaluate --sensor st-01 --variable temperatura --value -2
  echo '[{"sensor_id":"st-01","variable":"lluvia","value":85}]' | envalert evaluate --stdin`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ms, err := f.measurements(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return a.evaluate(cmd.Context(), ms, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.sensor, "sensor", "", "sensor id")
	cmd.Flags().StringVar(&f.variable, "variable", "", "variable tag, e.g. temperatura")
	cmd.Flags().StringVar(&f.value, "value", "", "reading value; empty or NaN is a bad read")
	cmd.Flags().StringVar(&f.timestamp, "ts", "", "RFC3339 timestamp (default now)")
	cmd.Flags().BoolVar(&f.stdin, "stdin", false, "read measurements as JSON from stdin")
	return cmd
}

func (f *evaluateFlags) measurements(in io.Reader) ([]alerting.Measurement, error) {
	if f.stdin {
		payload, err := io.ReadAll(in)
		if err != nil {
			return nil, err
		}
		return ingest.Decode(payload, f.sensor)
	}

	m := alerting.Measurement{SensorID: f.sensor, Variable: f.variable, Value: math.NaN()}
	if f.value != "" {
		v, err := strconv.ParseFloat(f.value, 64)
		if err != nil {
			return nil, flagError("value", err)
		}
		m.Value = v
	}
	if f.timestamp != "" {
		ts, err := time.Parse(time.RFC3339, f.timestamp)
		if err != nil {
			return nil, flagError("ts", err)
		}
		m.Timestamp = ts
	}
	return []alerting.Measurement{m}, nil
}

func flagError(flag string, err error) error {
	return errors.New(err).
		Component("cli").
		Category(errors.CategoryValidation).
		Context("flag", flag).
		Build()
}

// evaluate runs the catalog with every context capability backed by a
// throwaway SQLite database.
func (a *app) evaluate(ctx context.Context, ms []alerting.Measurement, out io.Writer) error {
	dir, err := os.MkdirTemp("", "envalert-evaluate-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	mgr, err := v2.NewSQLiteManager(dir)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()
	if err := mgr.Initialize(); err != nil {
		return err
	}

	settings := a.settings.Alerting
	store := alerting.NewStoreContext(repository.NewReadingRepository(mgr.DB()), settings.Location())
	catalog := alerting.NewCatalog(settings.Thresholds, alerting.Windows{
		Stats:  settings.StatsWindow.Std(),
		Errors: settings.ErrorWindow.Std(),
	})
	evaluator := alerting.NewEvaluator(catalog, alerting.CapabilitiesOf(store), nil, a.log)

	now := time.Now()
	for i := range ms {
		ms[i] = ms[i].Normalize(now)
		if err := ms[i].Validate(); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	for i := range ms {
		if err := store.Record(ctx, &ms[i]); err != nil {
			return err
		}
		candidates := evaluator.Evaluate(ctx, &ms[i])
		if candidates == nil {
			candidates = []alerting.Candidate{}
		}
		if err := enc.Encode(evaluation{Measurement: ms[i], Candidates: candidates}); err != nil {
			return err
		}
	}
	return nil
}
