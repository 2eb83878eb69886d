package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorwatch/envalert/internal/alerting"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/datastore/v2/entities"
	"github.com/sensorwatch/envalert/internal/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

type testEnv struct {
	echo     *echo.Echo
	service  *alerting.Service
	settings *conf.Settings
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=ON"), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&entities.Alert{}, &entities.AlertStateHistory{}, &entities.Reading{}))
	return db
}

func newTestEnv(t *testing.T, mutate func(*conf.Settings)) *testEnv {
	t.Helper()
	settings := conf.Defaults()
	settings.Alerting.ContextCacheTTL = 0
	if mutate != nil {
		mutate(settings)
	}
	log := logger.NewNopLogger()

	bus := alerting.NewLocalBus(0)
	svc, err := alerting.NewService(alerting.ServiceDeps{
		Settings:   settings,
		DB:         setupTestDB(t),
		Transport:  bus,
		Registerer: prometheus.NewRegistry(),
		Logger:     log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	e := echo.New()
	New(t.Context(), e, settings, svc, log)
	return &testEnv{echo: e, service: svc, settings: settings}
}

// do runs one request through the router and decodes a JSON reply into out.
func (env *testEnv) do(t *testing.T, method, target, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

// insertColdAlert posts a -2 °C reading, which opens one warning alert.
func (env *testEnv) insertColdAlert(t *testing.T) uint {
	t.Helper()
	var resp struct {
		Inserted int                `json:"inserted"`
		Results  []*alerting.Result `json:"results"`
	}
	code := env.do(t, http.MethodPost, "/api/v2/measurements",
		`{"sensor_id":"st-01","variable":"temperatura","value":-2.0,"ts":"`+time.Now().UTC().Format(time.RFC3339)+`"}`, &resp)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, resp.Inserted)
	return resp.Results[0].Admissions[0].Alert.ID
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
