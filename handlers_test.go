package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/config"
	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/session"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/types"
	imgutil "portrait-capture/pkg/utils/image"
)

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type testApp struct {
	*app
	handler http.Handler
	opener  *camera.FakeOpener
}

func newTestApp(t *testing.T, backend string) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Upload.BaseURL = backend
	cfg.Upload.CloseDelayMs = 10
	cfg.Upload.Token = "tok"
	cfg.Encoder.FFmpeg = "ffmpeg-missing"
	cfg.Encoder.FFprobe = "ffprobe-missing"
	cfg.Encoder.TempDir = t.TempDir()

	opener := &camera.FakeOpener{Width: 1920, Height: 1080, Interval: 5 * time.Millisecond}
	a, err := newApp(cfg, opener, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.close)
	return &testApp{app: a, handler: a.router(), opener: opener}
}

func (ta *testApp) do(t *testing.T, method, target string, body io.Reader, contentType string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)

	var env envelope
	if ct := w.Header().Get("Content-Type"); len(ct) >= 16 && ct[:16] == "application/json" {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: %s", method, target, err)
		}
	}
	return w, env
}

func (ta *testApp) json(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return ta.do(t, method, target, bytes.NewBufferString(body), "application/json")
}

func portraitJPEG(t *testing.T) []byte {
	t.Helper()
	data, err := imgutil.JPEGBytes(camera.TestPattern(540, 960), 80)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func multipartFile(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err = mw.Close(); err != nil {
		t.Fatal(err)
	}
	return body, mw.FormDataContentType()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenSession(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")

	if w, _ := ta.json(t, http.MethodGet, "/api/session", ""); w.Code != http.StatusNotFound {
		t.Fatalf("no session: %d", w.Code)
	}
	if w, _ := ta.json(t, http.MethodPost, "/api/session", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing subject: %d", w.Code)
	}

	w, env := ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"42","subjectName":"Dr. Rao"}`)
	if w.Code != http.StatusOK || env.Status != "success" {
		t.Fatalf("open: %d %s", w.Code, w.Body)
	}
	var view session.View
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if view.SubjectID != "42" || view.Mode != types.ModeUpload || view.Title != "Upload or Capture Media for Dr. Rao" {
		t.Fatalf("view %+v", view)
	}

	if w, _ = ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"43"}`); w.Code != http.StatusConflict {
		t.Fatalf("second open: %d", w.Code)
	}
	if w, _ = ta.json(t, http.MethodPut, "/api/session/mode", `{"mode":"panorama"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: %d", w.Code)
	}
	if w, _ = ta.json(t, http.MethodPost, "/api/session/submit", ""); w.Code != http.StatusConflict {
		t.Fatalf("submit without artifact: %d", w.Code)
	}
	if w, _ = ta.json(t, http.MethodDelete, "/api/session", ""); w.Code != http.StatusOK {
		t.Fatalf("close: %d", w.Code)
	}
	if w, _ = ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"43"}`); w.Code != http.StatusOK {
		t.Fatalf("reopen: %d", w.Code)
	}
}

func TestAttachAndSubmit(t *testing.T) {
	var (
		auth  string
		field string
	)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(8 << 20); err == nil {
			for k := range r.MultipartForm.File {
				field = k
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"fileName":"abc.jpg","message":"stored"}`)
	}))
	defer backend.Close()

	ta := newTestApp(t, backend.URL)
	if w, _ := ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"42"}`); w.Code != http.StatusOK {
		t.Fatalf("open: %d", w.Code)
	}

	body, ct := multipartFile(t, "face.jpg", "image/jpeg", portraitJPEG(t))
	w, _ := ta.do(t, http.MethodPost, "/api/session/file", body, ct)
	if w.Code != http.StatusOK {
		t.Fatalf("attach: %d %s", w.Code, w.Body)
	}

	w, _ = ta.json(t, http.MethodGet, "/api/session/artifact", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("artifact: %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w, env := ta.json(t, http.MethodPost, "/api/session/submit", "")
	if w.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", w.Code, w.Body)
	}
	var res struct {
		Result    types.UploadResult `json:"result"`
		CloseInMs int64              `json:"closeInMs"`
	}
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Result.URL != "/api/image/abc.jpg" || res.Result.Transient || res.CloseInMs != 10 {
		t.Fatalf("submitted %+v", res)
	}
	if field != "photo" || auth != "tok" {
		t.Fatalf("field %q auth %q", field, auth)
	}

	eventually(t, "session close", func() bool {
		_, err := ta.sessions.Current()
		return errors.Is(err, session.ErrNoSession)
	})
}

func TestAttachRejectsUnknownType(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")
	ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"42"}`)

	body, ct := multipartFile(t, "notes.txt", "text/plain", []byte("hello"))
	if w, _ := ta.do(t, http.MethodPost, "/api/session/file", body, ct); w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("attach: %d %s", w.Code, w.Body)
	}
	if w, _ := ta.do(t, http.MethodPost, "/api/session/file", nil, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("no file: %d", w.Code)
	}
}

func TestPhotoFlow(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")
	ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"42"}`)

	if w, _ := ta.json(t, http.MethodPost, "/api/session/photo", ""); w.Code != http.StatusConflict {
		t.Fatalf("photo in upload mode: %d", w.Code)
	}
	w, env := ta.json(t, http.MethodPut, "/api/session/mode", `{"mode":"photo"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mode: %d %s", w.Code, w.Body)
	}
	var view session.View
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if !view.CameraLive || ta.opener.Live() != 1 {
		t.Fatalf("camera not live: %+v", view)
	}

	eventually(t, "photo", func() bool {
		w, _ := ta.json(t, http.MethodPost, "/api/session/photo", "")
		return w.Code == http.StatusOK
	})
	if ta.opener.Live() != 1 {
		t.Fatalf("live tracks %d", ta.opener.Live())
	}

	if w, _ = ta.json(t, http.MethodPut, "/api/session/camera", ""); w.Code != http.StatusOK {
		t.Fatalf("switch: %d %s", w.Code, w.Body)
	}
	if ta.opener.Live() != 1 {
		t.Fatalf("live tracks after switch %d", ta.opener.Live())
	}
}

func TestDeniedCamera(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")
	ta.opener.Err = errs.Wrap(errs.ErrPermission, "open video", nil)
	ta.json(t, http.MethodPost, "/api/session", `{"subjectId":"42"}`)

	if w, _ := ta.json(t, http.MethodPut, "/api/session/mode", `{"mode":"video"}`); w.Code != http.StatusForbidden {
		t.Fatalf("mode: %d %s", w.Code, w.Body)
	}
	if ta.opener.Live() != 0 {
		t.Fatal("handle left open")
	}
}

func TestMedia(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")
	if w, _ := ta.json(t, http.MethodGet, "/api/media/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing: %d", w.Code)
	}

	it, err := ta.store.Put([]byte("branded"), "video/mp4", "out.mp4")
	if err != nil {
		t.Fatal(err)
	}
	w, _ := ta.json(t, http.MethodGet, "/api/media/"+it.ID, "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "video/mp4" || w.Body.String() != "branded" {
		t.Fatalf("media: %d %q", w.Code, w.Body)
	}
}

func TestDeviceStatus(t *testing.T) {
	ta := newTestApp(t, "http://backend.invalid")
	w, env := ta.json(t, http.MethodGet, "/api/device/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body)
	}
	var st struct {
		Codecs []string `json:"codecs"`
	}
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Codecs) != 1 || st.Codecs[0] != "mjpeg" {
		t.Fatalf("codecs %v", st.Codecs)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.Wrap(errs.ErrPermission, "open", nil), http.StatusForbidden},
		{errs.Wrap(errs.ErrDevice, "open", nil), http.StatusNotFound},
		{errs.Wrap(errs.ErrEncoding, "stop", nil), http.StatusInternalServerError},
		{errs.Wrap(errs.ErrNetwork, "post", nil), http.StatusBadGateway},
		{errs.Wrap(errs.ErrProtocol, "classify", nil), http.StatusBadGateway},
		{session.ErrNoSession, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{session.ErrUnsupported, http.StatusUnsupportedMediaType},
		{session.ErrSessionOpen, http.StatusConflict},
		{fmt.Errorf("stop: %w", session.ErrWrongMode), http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestFileType(t *testing.T) {
	jpg := portraitJPEG(t)
	cases := []struct {
		name, header string
		data         []byte
		want         string
	}{
		{"clip.webm", "video/webm", nil, "video/webm"},
		{"face.png", "application/octet-stream", nil, "image/png"},
		{"blob", "", jpg, "image/jpeg"},
	}
	for _, c := range cases {
		fh := &multipart.FileHeader{Filename: c.name, Header: textproto.MIMEHeader{}}
		if c.header != "" {
			fh.Header.Set("Content-Type", c.header)
		}
		if got := fileType(fh, c.data); got != c.want {
			t.Errorf("fileType(%s) = %q, want %q", c.name, got, c.want)
		}
	}
}
