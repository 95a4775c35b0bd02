// Package upload ships a finished artifact to the media backend and
// resolves whatever the backend answers with into one UploadResult.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils"
)

const (
	FieldSubject    = "doctor_id"
	FieldUploadedBy = "uploaded_by"
	FieldPhoto      = "photo"
	FieldVideo      = "video"

	DefaultTimeout = 2 * time.Minute
	// DefaultMaxResponse bounds how much of a response is buffered.
	DefaultMaxResponse = 512 << 20
)

var ErrBusy = errors.New("an upload is already in flight")

// Credentials are handed to the negotiator explicitly; nothing reads a
// shared token.
type Credentials struct {
	Token      string
	UploadedBy string
}

type Endpoints struct {
	BaseURL string `json:"baseURL"`
	Image   string `json:"image"`
	Video   string `json:"video"`
	// ImageBase and VideoBase prefix the fileName of a JSON descriptor.
	ImageBase string `json:"imageBase"`
	VideoBase string `json:"videoBase"`
}

func DefaultEndpoints(baseURL string) Endpoints {
	return Endpoints{
		BaseURL:   baseURL,
		Image:     "/api/capture-image",
		Video:     "/api/merge-with-intro-outro",
		ImageBase: "/api/image",
		VideoBase: "/api/video",
	}
}

// Descriptor is the JSON response shape.
type Descriptor struct {
	FileName string `json:"fileName"`
	Message  string `json:"message,omitempty"`
}

type Negotiator struct {
	endpoints Endpoints
	creds     Credentials
	client    *http.Client
	store     *storage.Store

	// mediaPath prefixes handles of binary responses kept in the store.
	mediaPath   string
	maxResponse int64
	logger      *zap.SugaredLogger

	inflight atomic.Bool
}

type Option func(*Negotiator)

func WithClient(c *http.Client) Option {
	return func(n *Negotiator) { n.client = c }
}

// WithMaxResponse caps the response body; a larger body is a protocol error.
func WithMaxResponse(n int64) Option {
	return func(neg *Negotiator) { neg.maxResponse = n }
}

func WithMediaPath(p string) Option {
	return func(n *Negotiator) { n.mediaPath = strings.TrimSuffix(p, "/") }
}

func New(endpoints Endpoints, creds Credentials, store *storage.Store, opts ...Option) *Negotiator {
	n := &Negotiator{
		endpoints: endpoints,
		creds:     creds,
		client:    &http.Client{Timeout: DefaultTimeout},
		store:     store,
		mediaPath:   "/api/media",
		maxResponse: DefaultMaxResponse,
		logger:      utils.GetLogger().Named("upload"),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// FieldFor is the multipart file field for a kind.
func FieldFor(k types.Kind) string {
	if k == types.KindImage {
		return FieldPhoto
	}
	return FieldVideo
}

// EndpointFor is the absolute URL the kind is posted to.
func (n *Negotiator) EndpointFor(k types.Kind) string {
	p := n.endpoints.Video
	if k == types.KindImage {
		p = n.endpoints.Image
	}
	return joinURL(n.endpoints.BaseURL, p)
}

func (n *Negotiator) baseFor(k types.Kind) string {
	if k == types.KindImage {
		return n.endpoints.ImageBase
	}
	return n.endpoints.VideoBase
}

// Busy reports whether a submission is in flight.
func (n *Negotiator) Busy() bool {
	return n.inflight.Load()
}

// Submit posts the artifact for subjectID. It runs to completion or
// failure; only ctx can cut it short. A second call while one is in
// flight gets ErrBusy.
func (n *Negotiator) Submit(ctx context.Context, a *types.Artifact, subjectID string) (*types.UploadResult, error) {
	if !n.inflight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer n.inflight.Store(false)

	body, contentType, err := n.encode(a, subjectID)
	if err != nil {
		return nil, err
	}
	url := n.EndpointFor(a.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNetwork, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	if n.creds.Token != "" {
		req.Header.Set("Authorization", n.creds.Token)
	}

	start := time.Now()
	n.logger.Infof("uploading %s (%s) to %s", a.FileName, humanize.Bytes(uint64(len(a.Payload))), url)
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNetwork, "post "+FieldFor(a.Kind), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxResponse+1))
	if err != nil {
		return nil, errs.Wrap(errs.ErrNetwork, "read response", err)
	}
	if int64(len(data)) > n.maxResponse {
		return nil, errs.Wrap(errs.ErrProtocol, "read response",
			fmt.Errorf("body exceeds %s", humanize.Bytes(uint64(n.maxResponse))))
	}
	n.logger.Infof("upload answered %d %s (%s) in %s", resp.StatusCode, resp.Header.Get("Content-Type"),
		humanize.Bytes(uint64(len(data))), time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.Wrap(errs.ErrNetwork, "upload", statusError(resp.StatusCode, data))
	}
	return n.classify(a.Kind, resp.Header.Get("Content-Type"), data, a.FileName)
}

func (n *Negotiator) encode(a *types.Artifact, subjectID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField(FieldSubject, subjectID); err != nil {
		return nil, "", err
	}
	if n.creds.UploadedBy != "" {
		if err := w.WriteField(FieldUploadedBy, n.creds.UploadedBy); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     FieldFor(a.Kind),
		"filename": a.FileName,
	}))
	h.Set("Content-Type", a.MIMEType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err = part.Write(a.Payload); err != nil {
		return nil, "", err
	}
	if err = w.Close(); err != nil {
		return nil, "", err
	}

	return &buf, w.FormDataContentType(), nil
}

// classify turns a 2xx response into a result. JSON carries a fileName
// under the kind's base path; image/* and video/* bodies are kept in the
// transient store; anything else is a protocol error.
func (n *Negotiator) classify(k types.Kind, contentType string, data []byte, fileName string) (*types.UploadResult, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errs.Wrap(errs.ErrProtocol, "classify", fmt.Errorf("content type %q", contentType))
	}

	switch {
	case mt == "application/json":
		var d Descriptor
		if err = json.Unmarshal(data, &d); err != nil {
			return nil, errs.Wrap(errs.ErrProtocol, "decode descriptor", err)
		}
		if d.FileName == "" {
			return nil, errs.Wrap(errs.ErrProtocol, "decode descriptor", errors.New("empty fileName"))
		}
		return &types.UploadResult{
			URL:       joinURL(n.baseFor(k), d.FileName),
			Message:   d.Message,
			Succeeded: true,
		}, nil
	case strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "image/"):
		it, err := n.store.Put(data, mt, fileName)
		if err != nil {
			return nil, errs.Wrap(errs.ErrProtocol, "keep response", err)
		}
		return &types.UploadResult{
			URL:       n.mediaPath + "/" + it.ID,
			Succeeded: true,
			Transient: true,
		}, nil
	}

	return nil, errs.Wrap(errs.ErrProtocol, "classify", fmt.Errorf("content type %q", mt))
}

func statusError(code int, body []byte) error {
	var d Descriptor
	if json.Unmarshal(body, &d) == nil && d.Message != "" {
		return fmt.Errorf("status %d: %s", code, d.Message)
	}
	return fmt.Errorf("status %d", code)
}

func joinURL(base, p string) string {
	if base == "" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
