package pipeline

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/seznam/request-monitor/pkg/event"
)

type ModuleFactoryFunction func(moduleName string, logger logrus.FieldLogger, conf *viper.Viper) (Module, error)

type Module interface {
	Run()
	Stop()
	Done() bool
}

type PrometheusInstrumentedModule interface {
	Module
	RegisterMetrics(rootRegistry prometheus.Registerer, wrappedRegistry prometheus.Registerer) error
}

type WebInterfaceModule interface {
	Module
	RegisterInMux(router *mux.Router)
}

type EventProcessingDurationObserver interface {
	Observe(float64)
}

type ObservableModule interface {
	Module
	RegisterEventProcessingDurationObserver(observer EventProcessingDurationObserver)
}

type EventIngester interface {
	SetInputChannel(chan *event.Request)
}

type EventIngesterModule interface {
	Module
	EventIngester
}

type EventProducer interface {
	OutputChannel() chan *event.Request
}

type EventProducerModule interface {
	Module
	EventProducer
}

type ProcessorModule interface {
	Module
	EventIngester
	EventProducer
}
