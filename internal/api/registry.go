package api

import (
	"github.com/vhisto/server/internal/service"
)

// SampleInfo contains information about a sample for the API response.
type SampleInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SampleRegistry holds the services of all configured samples.
type SampleRegistry struct {
	services      map[string]*service.SampleService
	defaultSample string
	sampleOrder   []string
}

// NewSampleRegistry creates a new sample registry. The first registered
// sample becomes the default.
func NewSampleRegistry() *SampleRegistry {
	return &SampleRegistry{
		services: make(map[string]*service.SampleService),
	}
}

// Register adds a sample service.
func (r *SampleRegistry) Register(svc *service.SampleService) {
	id := svc.ID()
	if _, ok := r.services[id]; !ok {
		r.sampleOrder = append(r.sampleOrder, id)
	}
	if r.defaultSample == "" {
		r.defaultSample = id
	}
	r.services[id] = svc
}

// Get returns the service for a sample, or nil if not found.
func (r *SampleRegistry) Get(sampleID string) *service.SampleService {
	return r.services[sampleID]
}

// DefaultSampleID returns the default sample ID.
func (r *SampleRegistry) DefaultSampleID() string {
	return r.defaultSample
}

// SampleIDs returns all sample IDs in registration order.
func (r *SampleRegistry) SampleIDs() []string {
	return r.sampleOrder
}

// Samples returns sample info for all registered samples.
func (r *SampleRegistry) Samples() []SampleInfo {
	infos := make([]SampleInfo, 0, len(r.sampleOrder))
	for _, id := range r.sampleOrder {
		infos = append(infos, SampleInfo{ID: id, Name: r.services[id].Name()})
	}
	return infos
}

// Close closes every registered service.
func (r *SampleRegistry) Close() {
	for _, svc := range r.services {
		svc.Close()
	}
}
