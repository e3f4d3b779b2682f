package memory

import (
	"context"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// MasterdataStore holds point mappings, points and devices. It implements
// PointMappingStore, PointStore and DeviceStore.
type MasterdataStore struct {
	mu       sync.Mutex
	mappings []storage.PointMapping
	points   map[string]storage.Point
	devices  map[string]storage.Device
}

// NewMasterdataStore constructs an empty store.
func NewMasterdataStore() *MasterdataStore {
	return &MasterdataStore{
		points:  make(map[string]storage.Point),
		devices: make(map[string]storage.Device),
	}
}

// PutMapping adds or replaces a mapping. Test/seed helper.
func (s *MasterdataStore) PutMapping(mapping storage.PointMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mappings {
		if existing.TenantID == mapping.TenantID && existing.ProjectID == mapping.ProjectID &&
			existing.SourceID == mapping.SourceID && existing.Address == mapping.Address {
			s.mappings[i] = mapping
			return
		}
	}
	s.mappings = append(s.mappings, mapping)
}

// PutPoint adds or replaces a point. Test/seed helper.
func (s *MasterdataStore) PutPoint(point storage.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[point.TenantID+"/"+point.ProjectID+"/"+point.PointID] = point
}

// PutDevice adds or replaces a device. Test/seed helper.
func (s *MasterdataStore) PutDevice(device storage.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.TenantID+"/"+device.ProjectID+"/"+device.DeviceID] = device
}

// FindMapping resolves a mapping by source id and address. With an empty
// source id only mappings keyed without one match.
func (s *MasterdataStore) FindMapping(_ context.Context, tctx domain.TenantContext, projectID, sourceID, address string) (*storage.PointMapping, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mapping := range s.mappings {
		if mapping.TenantID != tctx.TenantID || mapping.ProjectID != projectID {
			continue
		}
		if mapping.Address != address {
			continue
		}
		if mapping.SourceID == sourceID || (sourceID != "" && mapping.SourceID == "") {
			copied := mapping
			return &copied, nil
		}
	}
	return nil, nil
}

// ListMappings returns every mapping of the project.
func (s *MasterdataStore) ListMappings(_ context.Context, tctx domain.TenantContext, projectID string) ([]storage.PointMapping, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.PointMapping
	for _, mapping := range s.mappings {
		if mapping.TenantID == tctx.TenantID && mapping.ProjectID == projectID {
			result = append(result, mapping)
		}
	}
	return result, nil
}

// FindPoint returns the point or nil.
func (s *MasterdataStore) FindPoint(_ context.Context, tctx domain.TenantContext, projectID, pointID string) (*storage.Point, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	point, ok := s.points[tctx.TenantID+"/"+projectID+"/"+pointID]
	if !ok {
		return nil, nil
	}
	copied := point
	return &copied, nil
}

// FindDevice returns the device or nil.
func (s *MasterdataStore) FindDevice(_ context.Context, tctx domain.TenantContext, projectID, deviceID string) (*storage.Device, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[tctx.TenantID+"/"+projectID+"/"+deviceID]
	if !ok {
		return nil, nil
	}
	copied := device
	return &copied, nil
}
