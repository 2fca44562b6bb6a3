package adapters

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/otcheredev/ris-dicom-trolley/internal/models"
)

// Part10 files carry "DICM" after a 128 byte preamble
const (
	preambleLength = 128
	dicomMagic     = "DICM"
)

// WADOURIDownloader retrieves single instances with WADO-URI GET requests.
// It can only address instances, so anything coarser is sent back for
// instance uids.
type WADOURIDownloader struct {
	*httpBackend
	endpoint string
}

// NewWADOURIDownloader creates a downloader for the WADO-URI endpoint in config.RetrieveURL
func NewWADOURIDownloader(config models.PACSConfig, opts ...Option) (*WADOURIDownloader, error) {
	if config.RetrieveURL == "" {
		return nil, fmt.Errorf("WADO-URI endpoint is required")
	}
	backend, err := newHTTPBackend(config, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure WADO-URI downloader: %w", err)
	}
	return &WADOURIDownloader{httpBackend: backend, endpoint: config.RetrieveURL}, nil
}

// Fetch streams one dataset per instance leaf of dl
func (w *WADOURIDownloader) Fetch(ctx context.Context, dl models.Downloadable) FetchResult {
	refs := dl.Flatten()
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return Failed(err)
		}
		if ref.Level() != models.LevelInstance {
			return NeedsMoreDetail(models.LevelInstance)
		}
	}

	return Stream(func(yield func(*models.Dataset, error) bool) {
		for _, ref := range refs {
			ds, err := w.get(ctx, ref)
			if err != nil {
				itemErr := w.ignore.ItemError(ref, err)
				if !yield(nil, itemErr) || !itemErr.Ignored {
					return
				}
				continue
			}
			if !yield(ds, nil) {
				return
			}
		}
	})
}

func (w *WADOURIDownloader) requestURL(ref models.Reference) string {
	params := url.Values{}
	params.Set("requestType", "WADO")
	params.Set("studyUID", ref.StudyUID)
	params.Set("seriesUID", ref.SeriesUID)
	params.Set("objectUID", ref.InstanceUID)
	params.Set("contentType", dicomContentType)

	sep := "?"
	if strings.Contains(w.endpoint, "?") {
		sep = "&"
	}
	return w.endpoint + sep + params.Encode()
}

// get returns the instance with its body still streaming from the server
func (w *WADOURIDownloader) get(ctx context.Context, ref models.Reference) (*models.Dataset, error) {
	resp, err := w.do(ctx, http.MethodGet, w.requestURL(ref), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	br := bufio.NewReader(resp.Body)
	head, err := br.Peek(preambleLength + len(dicomMagic))
	if err != nil || !bytes.Equal(head[preambleLength:], []byte(dicomMagic)) {
		resp.Body.Close()
		if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
			return nil, ClassifyError(err)
		}
		return nil, fmt.Errorf("%w: response for %s is not a DICOM file", ErrMalformedResponse, ref)
	}

	return &models.Dataset{
		Ref:         ref,
		ContentType: dicomContentType,
		Size:        resp.ContentLength,
		Body: struct {
			io.Reader
			io.Closer
		}{br, resp.Body},
	}, nil
}

// Close releases idle connections
func (w *WADOURIDownloader) Close() error {
	return w.close()
}
