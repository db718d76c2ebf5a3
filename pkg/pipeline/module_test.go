package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/seznam/request-monitor/pkg/event"
)

func testModuleFactory(moduleName string, logger logrus.FieldLogger, conf *viper.Viper) (Module, error) {
	switch moduleName {
	case "testIngester":
		return testIngester{}, nil
	case "testProducer":
		return testProducer{}, nil
	case "testProcessor":
		return &testProcessor{output: make(chan *event.Request)}, nil
	default:
		return nil, fmt.Errorf("unknown module %s", moduleName)
	}
}

type testIngester struct{}

func (t testIngester) Run() {}

func (t testIngester) Stop() {}

func (t testIngester) Done() bool {
	return false
}

func (t testIngester) SetInputChannel(chan *event.Request) {}

type testProducer struct{}

func (t testProducer) Run() {}

func (t testProducer) Stop() {}

func (t testProducer) Done() bool {
	return false
}

func (t testProducer) OutputChannel() chan *event.Request {
	return make(chan *event.Request)
}

type testProcessor struct {
	input    chan *event.Request
	output   chan *event.Request
	observer EventProcessingDurationObserver
}

func (t *testProcessor) Run() {}

func (t *testProcessor) Stop() {}

func (t *testProcessor) Done() bool {
	return false
}

func (t *testProcessor) SetInputChannel(input chan *event.Request) {
	t.input = input
}

func (t *testProcessor) OutputChannel() chan *event.Request {
	return t.output
}

func (t *testProcessor) RegisterEventProcessingDurationObserver(observer EventProcessingDurationObserver) {
	t.observer = observer
}
