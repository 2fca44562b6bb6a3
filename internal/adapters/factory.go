package adapters

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// AdapterFactory builds and caches one Source per PACS configuration
type AdapterFactory struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]*Source // keyed by PACS config ID
	opts    []Option
}

// NewAdapterFactory creates a new adapter factory. opts are applied to every HTTP adapter.
func NewAdapterFactory(opts ...Option) *AdapterFactory {
	return &AdapterFactory{
		sources: make(map[uuid.UUID]*Source),
		opts:    opts,
	}
}

// GetSource gets or creates the source for a PACS config
func (f *AdapterFactory) GetSource(config models.PACSConfig) (*Source, error) {
	f.mu.RLock()
	source, exists := f.sources[config.ID]
	f.mu.RUnlock()

	if exists {
		return source, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if source, exists := f.sources[config.ID]; exists {
		return source, nil
	}

	source, err := NewSource(config, f.opts...)
	if err != nil {
		return nil, err
	}

	f.sources[config.ID] = source
	return source, nil
}

// NewSource builds the searcher and downloader described by config
func NewSource(config models.PACSConfig, opts ...Option) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PACS config: %w", err)
	}
	source := &Source{Config: config}

	var dicomweb *DICOMWebAdapter
	switch config.Type {
	case models.PACSTypeDICOMWeb, models.PACSTypeOrthanc:
		// Orthanc serves DICOMweb under /dicom-web as well
		adapter, err := NewDICOMWebAdapter(config, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create adapter: %w", err)
		}
		dicomweb = adapter
		source.Searcher = adapter
		source.closers = append(source.closers, adapter.Close)
	case models.PACSTypeDIMSE:
		searcher, err := NewDIMSESearcher(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create adapter: %w", err)
		}
		source.Searcher = searcher
		source.closers = append(source.closers, searcher.Close)
	default:
		return nil, fmt.Errorf("unsupported PACS type: %s", config.Type)
	}

	switch config.RetrieveType {
	case "", models.RetrieveWADORS:
		if dicomweb == nil {
			adapter, err := NewDICOMWebAdapter(config, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create downloader: %w", err)
			}
			source.closers = append(source.closers, adapter.Close)
			dicomweb = adapter
		}
		source.Downloader = dicomweb
	case models.RetrieveWADOURI:
		downloader, err := NewWADOURIDownloader(config, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create downloader: %w", err)
		}
		source.Downloader = downloader
		source.closers = append(source.closers, downloader.Close)
	case models.RetrieveRad69:
		downloader, err := NewRad69Downloader(config, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create downloader: %w", err)
		}
		source.Downloader = downloader
		source.closers = append(source.closers, downloader.Close)
	default:
		return nil, fmt.Errorf("unsupported retrieve type: %s", config.RetrieveType)
	}

	return source, nil
}

// RemoveSource closes and forgets the source of a PACS config
func (f *AdapterFactory) RemoveSource(configID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	source, exists := f.sources[configID]
	if !exists {
		return nil
	}

	if err := source.Close(); err != nil {
		return fmt.Errorf("failed to close adapter: %w", err)
	}

	delete(f.sources, configID)
	return nil
}

// CloseAll closes all sources
func (f *AdapterFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errors []error
	for id, source := range f.sources {
		if err := source.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close adapter for PACS %s: %w", id, err))
		}
		delete(f.sources, id)
	}

	if len(errors) > 0 {
		return fmt.Errorf("encountered %d errors while closing adapters", len(errors))
	}

	return nil
}
