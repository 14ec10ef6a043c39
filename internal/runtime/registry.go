// Package runtime provides the ServiceRegistry that ties C1-C8 together
// into one long-lived validator process, modeled on the teacher's
// beacon-chain/node service-registry pattern (node_test.go's
// `node.services = &runtime.ServiceRegistry{}`, `BeaconNode` registering
// services and stopping them in reverse order on Close()).
package runtime

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "runtime")

// Service is anything the registry can start and stop as a unit. Start
// must not block past its own setup; long-running work belongs in a
// goroutine Start launches.
type Service interface {
	Start() error
	Stop() error
	Status() error
}

// ServiceRegistry tracks every long-lived component of a ValidatorNode,
// starting them in registration order and stopping them in reverse.
type ServiceRegistry struct {
	mu       sync.Mutex
	services map[reflect.Type]Service
	order    []reflect.Type
}

// NewServiceRegistry constructs an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[reflect.Type]Service)}
}

// RegisterService adds a service to the registry, keyed by its concrete
// type. Registering the same type twice is an error.
func (r *ServiceRegistry) RegisterService(service Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := reflect.TypeOf(service)
	if _, exists := r.services[kind]; exists {
		return fmt.Errorf("runtime: service already registered: %s", kind)
	}
	r.services[kind] = service
	r.order = append(r.order, kind)
	return nil
}

// FetchService populates dest (a pointer to a Service-implementing type)
// with the registered instance of that type.
func (r *ServiceRegistry) FetchService(dest interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	element := reflect.ValueOf(dest).Elem()
	service, exists := r.services[element.Type()]
	if !exists {
		return fmt.Errorf("runtime: unknown service type: %s", element.Type())
	}
	element.Set(reflect.ValueOf(service))
	return nil
}

// StartAll starts every registered service in registration order.
func (r *ServiceRegistry) StartAll() {
	r.mu.Lock()
	order := append([]reflect.Type{}, r.order...)
	r.mu.Unlock()

	log.WithField("count", len(order)).Info("Starting validator node services")
	for _, kind := range order {
		r.mu.Lock()
		service := r.services[kind]
		r.mu.Unlock()
		log.WithField("service", kind).Debug("Starting service")
		if err := service.Start(); err != nil {
			log.WithError(err).WithField("service", kind).Error("Failed to start service")
		}
	}
}

// StopAll stops every registered service in reverse registration order,
// collecting the first error encountered without aborting the remaining
// shutdowns.
func (r *ServiceRegistry) StopAll() error {
	r.mu.Lock()
	order := append([]reflect.Type{}, r.order...)
	r.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		kind := order[i]
		r.mu.Lock()
		service := r.services[kind]
		r.mu.Unlock()
		log.WithField("service", kind).Debug("Stopping service")
		if err := service.Stop(); err != nil {
			log.WithError(err).WithField("service", kind).Error("Failed to stop service")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StatusAll returns the status of every registered service, keyed by its
// concrete type, for the health endpoint to render.
func (r *ServiceRegistry) StatusAll() map[reflect.Type]error {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make(map[reflect.Type]error, len(r.services))
	for kind, service := range r.services {
		statuses[kind] = service.Status()
	}
	return statuses
}
