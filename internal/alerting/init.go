package alerting

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/datastore/v2/repository"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
	"gorm.io/gorm"
)

// readingRetention is how long stored readings are kept for context lookups.
// It must cover the heat-wave lookback.
const readingRetention = (heatWaveLookbackDays + 1) * 24 * time.Hour

// ServiceDeps are the collaborators of a Service. DB and Transport are
// required; the rest are optional.
type ServiceDeps struct {
	Settings   *conf.Settings
	DB         *gorm.DB
	Transport  Transport
	Registerer prometheus.Registerer
	Reporter   ErrorReporter
	Sender     Sender // enables the forwarder when Settings.Forward.Enabled
	Logger     logger.Logger
}

// Service wires the pipeline, the broker and the optional forwarder around
// one store and one notification transport.
type Service struct {
	Pipeline  *Pipeline
	Evaluator *Evaluator
	Gate      *Gate
	Broker    *Broker
	Alerts    repository.AlertRepository
	Forwarder *Forwarder
	Metrics   *Metrics

	transport    Transport
	store        *StoreContext
	cache        *ContextCache
	restartDelay time.Duration
	log          logger.Logger
}

// NewService builds a Service. Rules read stored readings; when a Stats or
// RecentErrorCount query fails they are answered from an in-memory sample
// window instead. Stats lookups are cached for the configured TTL.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.DB == nil || deps.Transport == nil {
		return nil, errors.Newf("alerting service requires a database and a transport").
			Component("alerting").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings := deps.Settings
	if settings == nil {
		settings = conf.Defaults()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.Module("alerting")

	a := settings.Alerting
	metrics := NewMetrics(deps.Registerer)

	store := NewStoreContext(repository.NewReadingRepository(deps.DB), a.Location())
	window := NewSampleWindow(a.SampleRetention.Std())
	cache := NewContextCache(a.ContextCacheTTL.Std())
	caps := cache.Wrap(CapabilitiesOf(store).WithFallback(CapabilitiesOf(window)))

	catalog := NewCatalog(a.Thresholds, Windows{Stats: a.StatsWindow.Std(), Errors: a.ErrorWindow.Std()})
	evaluator := NewEvaluator(catalog, caps, metrics, log)

	alerts := repository.NewAlertRepository(deps.DB)
	gateOpts := []GateOption{WithGateMetrics(metrics)}
	if deps.Reporter != nil {
		gateOpts = append(gateOpts, WithReporter(deps.Reporter))
	}
	gate := NewGate(alerts, a.DedupWindow.Std(), log, gateOpts...)

	pipeline := NewPipeline(PipelineOptions{
		Evaluator:   evaluator,
		Gate:        gate,
		Recorders:   []Recorder{store, window},
		Publisher:   deps.Transport,
		Concurrency: a.Concurrency,
		Metrics:     metrics,
		Logger:      log,
	})

	broker := NewBroker(BrokerOptions{
		BufferSize: settings.Stream.SubscriberBuffer,
		KeepAlive:  settings.Stream.KeepAlive.Std(),
		Metrics:    metrics,
		Logger:     log.Module("broker"),
	})

	s := &Service{
		Pipeline:     pipeline,
		Evaluator:    evaluator,
		Gate:         gate,
		Broker:       broker,
		Alerts:       alerts,
		Metrics:      metrics,
		transport:    deps.Transport,
		store:        store,
		cache:        cache,
		restartDelay: settings.Notification.Restart.Std(),
		log:          log,
	}

	if settings.Forward.Enabled && deps.Sender != nil {
		minLevel, err := ParseLevel(settings.Forward.MinLevel)
		if err != nil {
			return nil, errors.New(err).
				Component("alerting").
				Category(errors.CategoryConfiguration).
				Build()
		}
		s.Forwarder = NewForwarder(broker, deps.Sender, ForwarderOptions{
			MinLevel: minLevel,
			Timeout:  settings.Forward.Timeout.Std(),
			Metrics:  metrics,
			Logger:   log,
		})
	}

	log.Info("alerting service initialized",
		logger.Int("rules", len(catalog.Rules())),
		logger.Any("capabilities", caps.Names()),
		logger.Duration("dedup_window", gate.Window()))
	return s, nil
}

// Supervise runs the broker's listener and restarts it after restartDelay
// whenever it fails, until ctx is cancelled.
func (s *Service) Supervise(ctx context.Context) error {
	delay := s.restartDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		err := s.Broker.Run(ctx, s.transport)
		if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
			return nil
		}
		if err != nil {
			s.log.Warn("notification listener stopped, restarting",
				logger.Duration("delay", delay),
				logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// RunPruner deletes readings older than the lookup retention every interval.
func (s *Service) RunPruner(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.store.Prune(ctx, time.Now().Add(-readingRetention))
			if err != nil {
				s.log.Warn("failed to prune readings", logger.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("pruned readings", logger.Int64("deleted", n))
			}
		}
	}
}

// Close stops the broker and the transport.
func (s *Service) Close() error {
	s.Broker.Close()
	s.cache.Flush()
	return s.transport.Close()
}
