package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/seznam/request-monitor/pkg/config"
)

const doneCheckInterval = 100 * time.Millisecond

var (
	eventProcessingDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_processing_duration_seconds",
			Help:    "Duration histogram of event processing per module.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 5, 6),
		},
		[]string{"module"},
	)
)

func NewManager(moduleFactory ModuleFactoryFunction, config *config.Config, logger logrus.FieldLogger) (*Manager, error) {
	manager := Manager{
		pipeline: []pipelineItem{},
		logger:   logger,
	}
	// Initialize the pipeline and link it together.
	for _, moduleName := range config.Pipeline {
		newPipelineItem, err := manager.newPipelineItem(moduleName, config, moduleFactory)
		if err != nil {
			return nil, fmt.Errorf("failed to create pipeline module: %w", err)
		}
		manager.observeModuleEventProcessingDuration(newPipelineItem)
		if err := manager.addModuleToPipelineEnd(newPipelineItem); err != nil {
			return nil, err
		}
	}
	return &manager, nil
}

type pipelineItem struct {
	name   string
	module Module
}

type Manager struct {
	pipeline []pipelineItem
	logger   logrus.FieldLogger
}

func (m *Manager) StartPipeline() error {
	if len(m.pipeline) == 0 {
		return fmt.Errorf("pipeline is empty, nothing to start")
	}
	m.logger.Info("starting pipeline... ")
	var pipelineSchema []string
	for _, pipelineItem := range m.pipeline {
		pipelineItem.module.Run()
		pipelineSchema = append(pipelineSchema, pipelineItem.name)
	}
	m.logger.Info("pipeline schema: " + strings.Join(pipelineSchema, " -> "))
	m.logger.Info("pipeline started")
	return nil
}

// StopPipeline stops the first module of the pipeline so the rest can drain and finish.
// Returned channel is closed once all modules are done or the context is cancelled.
func (m *Manager) StopPipeline(ctx context.Context) <-chan struct{} {
	stopped := make(chan struct{})
	if len(m.pipeline) == 0 {
		close(stopped)
		return stopped
	}
	m.pipeline[0].module.Stop()
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(doneCheckInterval)
		defer ticker.Stop()
		for !m.Done() {
			select {
			case <-ctx.Done():
				m.logger.Warn("pipeline did not finish in time")
				return
			case <-ticker.C:
			}
		}
		m.logger.Info("pipeline finished")
	}()
	return stopped
}

func (m *Manager) Done() bool {
	for _, pipelineItem := range m.pipeline {
		if !pipelineItem.module.Done() {
			return false
		}
	}
	return true
}

func (m *Manager) observeModuleEventProcessingDuration(item pipelineItem) {
	observableModule, ok := item.module.(ObservableModule)
	if ok {
		observableModule.RegisterEventProcessingDurationObserver(eventProcessingDurationSeconds.WithLabelValues(item.name))
	}
}

func (m *Manager) RegisterPrometheusMetrics(rootRegistry prometheus.Registerer, wrappedRegistry prometheus.Registerer) error {
	if err := rootRegistry.Register(eventProcessingDurationSeconds); err != nil {
		return err
	}
	m.logger.Info("registering Prometheus metrics of pipeline modules")
	for _, m := range m.pipeline {
		promModule, ok := m.module.(PrometheusInstrumentedModule)
		if !ok {
			continue
		}
		wrappedRegistry := prometheus.WrapRegistererWithPrefix(m.name+"_", wrappedRegistry)
		if err := promModule.RegisterMetrics(rootRegistry, wrappedRegistry); err != nil {
			return fmt.Errorf("error registering metrics of module %s: %w", m.name, err)
		}
	}
	return nil
}

func (m *Manager) RegisterWebInterface(router *mux.Router) {
	for _, m := range m.pipeline {
		webInterfaceModule, ok := m.module.(WebInterfaceModule)
		if !ok {
			continue
		}
		webInterfaceModule.RegisterInMux(router.PathPrefix("/" + m.name).Subrouter())
	}
}

func isProducer(module Module) bool {
	_, ok := module.(EventProducerModule)
	return ok
}

func isIngester(module Module) bool {
	_, ok := module.(EventIngesterModule)
	return ok
}

func linkModules(previous, next Module) error {
	// We can link only previous producer with next ingester.
	if !isProducer(previous) {
		return fmt.Errorf("trying to link to module %s which is not a producer", previous)
	}
	if !isIngester(next) {
		return fmt.Errorf("trying to link module %s to previous module but it is not an ingester", next)
	}
	next.(EventIngesterModule).SetInputChannel(previous.(EventProducerModule).OutputChannel())
	return nil
}

func (m *Manager) lastPipelineItem() pipelineItem {
	return m.pipeline[len(m.pipeline)-1]
}

func (m *Manager) linkModuleWithPipelineEnd(nextModule Module) error {
	// If it is first module to be in the pipeline, just check it's not an ingester and add it there.
	if len(m.pipeline) == 0 {
		if isIngester(nextModule) {
			return fmt.Errorf("ingester module %s cannot be at the at the beginning of the pipeline", nextModule)
		}
		return nil
	}

	previousPipelineItem := m.lastPipelineItem()
	// Link modules together.
	if err := linkModules(previousPipelineItem.module, nextModule); err != nil {
		return fmt.Errorf("failed to link modules: %w", err)
	}
	return nil
}

func (m *Manager) addModuleToPipelineEnd(newItem pipelineItem) error {
	if err := m.linkModuleWithPipelineEnd(newItem.module); err != nil {
		return err
	}
	m.pipeline = append(m.pipeline, newItem)
	return nil
}

func (m *Manager) newItemName(moduleName string) string {
	iterator := 0
	newItemName := strcase.ToSnake(moduleName)
	for _, i := range m.pipeline {
		if i.name == newItemName {
			iterator++
			newItemName += strconv.Itoa(iterator)
		}
	}
	return newItemName
}

func (m *Manager) newPipelineItem(moduleName string, config *config.Config, factoryFunction ModuleFactoryFunction) (pipelineItem, error) {
	newItemName := m.newItemName(moduleName)
	moduleConfig, err := config.ModuleConfig(moduleName)
	if err != nil {
		return pipelineItem{}, fmt.Errorf("failed to load configuration for module %s: %w", moduleName, err)
	}
	newModule, err := factoryFunction(moduleName, m.logger.WithField("component", newItemName), moduleConfig)
	if err != nil {
		return pipelineItem{}, fmt.Errorf("failed to initialize module %s from config: %w", moduleName, err)
	}
	return pipelineItem{
		name:   newItemName,
		module: newModule,
	}, nil
}
