package prober

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrDefault = errors.New("initializing")

	status = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "probe_status",
			Help: "Status of the probes",
		},
		[]string{"probe"},
	)
)

func registerStatusGauge(registry prometheus.Registerer) error {
	if err := registry.Register(status); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// NewLiveness returns prober to be used as a liveness probe
func NewLiveness(registry prometheus.Registerer, logger logrus.FieldLogger) (*Prober, error) {
	if err := registerStatusGauge(registry); err != nil {
		return nil, err
	}
	p := Prober{
		name:   "liveness",
		logger: logger,
	}
	p.Ok()
	return &p, nil
}

// NewReadiness returns prober to be used as a readiness probe
func NewReadiness(registry prometheus.Registerer, logger logrus.FieldLogger) (*Prober, error) {
	if err := registerStatusGauge(registry); err != nil {
		return nil, err
	}
	p := Prober{
		name:   "readiness",
		logger: logger,
		status: ErrDefault,
	}
	status.WithLabelValues(p.name).Set(0)
	return &p, nil
}

// Prober is struct holding information about status
type Prober struct {
	name      string
	status    error
	statusMtx sync.Mutex
	logger    logrus.FieldLogger
}

// Ok sets the Prober to correct status
func (p *Prober) Ok() {
	p.setStatus(nil)
}

// NotOk sets the Prober to not ready status and specifies reason as an error
func (p *Prober) NotOk(err error) {
	p.setStatus(err)
}

// IsOk returns reason why Prober is not ok. If it is it returns nil.
func (p *Prober) IsOk() error {
	p.statusMtx.Lock()
	defer p.statusMtx.Unlock()
	return p.status
}

// Allows to use Prober in HTTP life-cycle endpoints
func (p *Prober) HandleFunc(w http.ResponseWriter, req *http.Request) {
	if err := p.IsOk(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("OK"))
}

func (p *Prober) setStatus(err error) {
	p.statusMtx.Lock()
	defer p.statusMtx.Unlock()
	if err == nil {
		if p.status != nil {
			p.logger.Infof("changing %s status to ok", p.name)
		}
		status.WithLabelValues(p.name).Set(1)
	} else {
		if p.status == nil {
			p.logger.Warnf("changing %s status to not ok, reason: %v", p.name, err)
		}
		status.WithLabelValues(p.name).Set(0)
	}
	p.status = err
}
