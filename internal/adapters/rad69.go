package adapters

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
)

// Transfer syntaxes offered in every request: JPEG lossless, implicit and explicit little endian
var rad69TransferSyntaxes = []string{
	"1.2.840.10008.1.2.4.70",
	"1.2.840.10008.1.2",
	"1.2.840.10008.1.2.1",
}

// IHE error code for documents the repository does not hold
const xdsMissingDocument = "XDSMissingDocument"

var rad69Request = template.Must(template.New("rad69").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing">
  <s:Header>
    <a:Action s:mustUnderstand="1">urn:ihe:rad:2009:RetrieveImagingDocumentSet</a:Action>
    <a:MessageID>urn:uuid:{{.MessageID}}</a:MessageID>
    <a:ReplyTo s:mustUnderstand="1">
      <a:Address>http://www.w3.org/2005/08/addressing/anonymous</a:Address>
    </a:ReplyTo>
    <a:To>{{xml .Endpoint}}</a:To>
  </s:Header>
  <s:Body>
    <iherad:RetrieveImagingDocumentSetRequest xmlns:iherad="urn:ihe:rad:xdsi-b:2009" xmlns:ihe="urn:ihe:iti:xds-b:2007">
{{- range .Studies}}
      <iherad:StudyRequest studyInstanceUID="{{xml .UID}}">
{{- range .Series}}
        <iherad:SeriesRequest seriesInstanceUID="{{xml .UID}}">
{{- range .Instances}}
          <ihe:DocumentRequest>
            <ihe:RepositoryUniqueId>{{xml $.RepositoryID}}</ihe:RepositoryUniqueId>
            <ihe:DocumentUniqueId>{{xml .UID}}</ihe:DocumentUniqueId>
          </ihe:DocumentRequest>
{{- end}}
        </iherad:SeriesRequest>
{{- end}}
      </iherad:StudyRequest>
{{- end}}
      <iherad:TransferSyntaxUIDList>
{{- range .TransferSyntaxes}}
        <iherad:TransferSyntaxUID>{{.}}</iherad:TransferSyntaxUID>
{{- end}}
      </iherad:TransferSyntaxUIDList>
    </iherad:RetrieveImagingDocumentSetRequest>
  </s:Body>
</s:Envelope>
`))

func xmlEscape(s string) (string, error) {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Rad69Downloader retrieves instances with IHE RAD-69 RetrieveImagingDocumentSet
// SOAP calls. Only instance uids can be requested.
type Rad69Downloader struct {
	*httpBackend
	endpoint         string
	repositoryID     string
	requestPerSeries bool
}

// NewRad69Downloader creates a downloader for the RAD-69 service at config.RetrieveURL
func NewRad69Downloader(config models.PACSConfig, opts ...Option) (*Rad69Downloader, error) {
	if config.RetrieveURL == "" {
		return nil, fmt.Errorf("rad69 endpoint is required")
	}
	backend, err := newHTTPBackend(config, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to configure rad69 downloader: %w", err)
	}
	return &Rad69Downloader{
		httpBackend:      backend,
		endpoint:         config.RetrieveURL,
		repositoryID:     "1.3.6.1.4.1000",
		requestPerSeries: config.RequestPerSeries,
	}, nil
}

// Fetch posts one request per series (or one for everything) and streams the
// datasets of each multipart response
func (r *Rad69Downloader) Fetch(ctx context.Context, dl models.Downloadable) FetchResult {
	refs := dl.Flatten()
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return Failed(err)
		}
		if ref.Level() != models.LevelInstance {
			return NeedsMoreDetail(models.LevelInstance)
		}
	}

	groups := [][]models.Reference{refs}
	if r.requestPerSeries {
		groups = groupBySeries(refs)
	}

	return Stream(func(yield func(*models.Dataset, error) bool) {
		for _, group := range groups {
			if !r.retrieve(ctx, group, yield) {
				return
			}
		}
	})
}

// createRequest renders the SOAP envelope asking for every instance in refs
func (r *Rad69Downloader) createRequest(refs []models.Reference) ([]byte, error) {
	tree := newParseTree()
	for _, ref := range refs {
		if err := tree.insert(map[string]string{
			"StudyInstanceUID":  ref.StudyUID,
			"SeriesInstanceUID": ref.SeriesUID,
			"SOPInstanceUID":    ref.InstanceUID,
		}, models.LevelInstance); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	err := rad69Request.Execute(&buf, map[string]any{
		"MessageID":        uuid.New().String(),
		"Endpoint":         r.endpoint,
		"RepositoryID":     r.repositoryID,
		"Studies":          tree.asStudies(),
		"TransferSyntaxes": rad69TransferSyntaxes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render rad69 request: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Rad69Downloader) retrieve(ctx context.Context, refs []models.Reference, yield func(*models.Dataset, error) bool) bool {
	fallback := refs[0].Parent()
	if len(refs) == 1 {
		fallback = refs[0]
	}
	fail := func(err error) bool {
		itemErr := r.ignore.ItemError(fallback, err)
		return yield(nil, itemErr) && itemErr.Ignored
	}

	body, err := r.createRequest(refs)
	if err != nil {
		return fail(err)
	}

	resp, err := r.do(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body),
		http.Header{"Content-Type": {"application/soap+xml"}})
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(statusError(resp))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "multipart") {
		// Probably a SOAP fault document
		return r.yieldRegistryErrors(resp.Body, refs, fallback, true, yield)
	}

	mr, err := newMultipartReader(resp.Body, contentType)
	if err != nil {
		return fail(err)
	}

	// The first part is the SOAP envelope describing the documents that follow
	envelope, err := mr.NextPart()
	if err != nil {
		return fail(fmt.Errorf("%w: missing SOAP part: %v", ErrMalformedResponse, err))
	}
	ok := r.yieldRegistryErrors(envelope, refs, fallback, false, yield)
	envelope.Close()
	if !ok {
		return false
	}

	stopped, failed := false, false
	yieldParts(mr, r.spoolDir, fallback, r.ignore, func(ds *models.Dataset, err error) bool {
		if !yield(ds, err) {
			stopped = true
			return false
		}
		var itemErr *ItemError
		if err != nil && !(errors.As(err, &itemErr) && itemErr.Ignored) {
			failed = true
		}
		return true
	})
	return !stopped && !failed
}

// registryError is a rs:RegistryError element of a RAD-69 response
type registryError struct {
	Code     string
	Context  string
	Location string
	Severity string
}

// parseRegistryErrors collects every RegistryError element of a SOAP document
func parseRegistryErrors(r io.Reader) ([]registryError, error) {
	var errs []registryError
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return errs, nil
		}
		if err != nil {
			return errs, fmt.Errorf("%w: invalid SOAP document: %v", ErrMalformedResponse, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "RegistryError" {
			continue
		}
		var re registryError
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "errorCode":
				re.Code = attr.Value
			case "codeContext":
				re.Context = attr.Value
			case "location":
				re.Location = attr.Value
			case "severity":
				re.Severity = attr.Value
			}
		}
		errs = append(errs, re)
	}
}

// yieldRegistryErrors reports the registry errors in a SOAP document as item
// errors. When the document is the whole response, a document without errors
// is itself malformed.
func (r *Rad69Downloader) yieldRegistryErrors(doc io.Reader, refs []models.Reference, fallback models.Reference, whole bool, yield func(*models.Dataset, error) bool) bool {
	regErrs, err := parseRegistryErrors(doc)
	if err != nil {
		itemErr := r.ignore.ItemError(fallback, err)
		return yield(nil, itemErr) && itemErr.Ignored
	}
	if whole && len(regErrs) == 0 {
		itemErr := r.ignore.ItemError(fallback, fmt.Errorf("%w: expected multipart response without SOAP errors", ErrMalformedResponse))
		return yield(nil, itemErr) && itemErr.Ignored
	}

	for _, re := range regErrs {
		if strings.HasSuffix(re.Severity, "Warning") {
			log.Warn().Str("code", re.Code).Str("context", re.Context).Msg("rad69 registry warning")
			continue
		}
		cause := ErrServerError
		if re.Code == xdsMissingDocument {
			cause = ErrDocumentMissing
		}
		ref := fallback
		for _, candidate := range refs {
			if mentionsUID(re.Context, candidate.InstanceUID) || mentionsUID(re.Location, candidate.InstanceUID) {
				ref = candidate
				break
			}
		}
		itemErr := r.ignore.ItemError(ref, fmt.Errorf("%w: %s %s", cause, re.Code, re.Context))
		if !yield(nil, itemErr) || !itemErr.Ignored {
			return false
		}
	}
	return true
}

// mentionsUID reports whether uid appears in text as a whole token
func mentionsUID(text, uid string) bool {
	if uid == "" {
		return false
	}
	tokens := strings.FieldsFunc(text, func(c rune) bool {
		return c != '.' && (c < '0' || c > '9')
	})
	for _, token := range tokens {
		if strings.Trim(token, ".") == uid {
			return true
		}
	}
	return false
}

// Close releases idle connections
func (r *Rad69Downloader) Close() error {
	return r.close()
}

// groupBySeries splits refs into per series groups, keeping first seen order
func groupBySeries(refs []models.Reference) [][]models.Reference {
	var groups [][]models.Reference
	index := make(map[models.Reference]int)
	for _, ref := range refs {
		key := ref.Parent()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ref)
	}
	return groups
}
