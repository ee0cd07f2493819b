package services

import "sync"

// ServiceRequest is one call attempt against a named service. An instance
// may not be issued again while it is in flight; Duplicate produces a fresh
// attempt (new transaction id) carrying the same parameters, used by retries.
type ServiceRequest struct {
	mu            sync.Mutex
	serviceName   string
	transactionID string
	parameters    map[string]string
	processing    bool
}

// NewServiceRequest creates a request for serviceName carrying parameters.
// parameters is copied; callers may reuse or mutate the map they pass in.
func NewServiceRequest(serviceName string, parameters map[string]string) *ServiceRequest {
	return &ServiceRequest{
		serviceName:   serviceName,
		transactionID: newTransactionID(),
		parameters:    copyParams(parameters),
	}
}

func (r *ServiceRequest) ServiceName() string { return r.serviceName }

func (r *ServiceRequest) TransactionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactionID
}

// Parameters returns a copy of this request's parameters.
func (r *ServiceRequest) Parameters() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyParams(r.parameters)
}

// markProcessing sets the in-flight flag, returning false if it was already
// set: a request already being processed must not be issued again.
func (r *ServiceRequest) markProcessing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processing {
		return false
	}
	r.processing = true
	return true
}

func (r *ServiceRequest) clearProcessing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processing = false
}

// Duplicate returns a new request for the same service and parameters with
// a freshly generated transaction id and a cleared in-flight flag, used to
// retry without colliding transaction ids.
func (r *ServiceRequest) Duplicate() *ServiceRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &ServiceRequest{
		serviceName:   r.serviceName,
		transactionID: newTransactionID(),
		parameters:    copyParams(r.parameters),
	}
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
