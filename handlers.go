package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/ov"
	"portrait-capture/pkg/recording"
	"portrait-capture/pkg/session"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/upload"
	"portrait-capture/pkg/utils"
	"portrait-capture/pkg/utils/ps"
)

// maxAttachSize bounds an operator-uploaded file.
const maxAttachSize = 256 << 20

func (a *app) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors(a.cfg.Origins))

	apiRouter := r.Group("/api")

	sessionRouter := apiRouter.Group("/session")
	sessionRouter.POST("", a.openSession)
	sessionRouter.GET("", a.withSession(getSession))
	sessionRouter.DELETE("", a.withSession(closeSession))
	sessionRouter.PUT("/mode", a.withSession(setMode))
	sessionRouter.PUT("/camera", a.withSession(switchCamera))
	sessionRouter.POST("/recording", a.withSession(startRecording))
	sessionRouter.DELETE("/recording", a.withSession(stopRecording))
	sessionRouter.POST("/photo", a.withSession(capturePhoto))
	sessionRouter.POST("/file", a.withSession(attachFile))
	sessionRouter.GET("/artifact", a.withSession(getArtifact))
	sessionRouter.POST("/submit", a.withSession(a.submit))
	sessionRouter.GET("/preview", a.preview)
	sessionRouter.GET("/canvas", a.withSession(canvas))
	sessionRouter.GET("/events", a.events)

	apiRouter.GET("/media/:id", a.getMedia)
	apiRouter.GET("/device/status", a.deviceStatus)

	return r
}

type sessionHandler func(c *gin.Context, s *session.Session)

func (a *app) withSession(h sessionHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := a.sessions.Current()
		if err != nil {
			apiErr(c, err)
			return
		}
		h(c, s)
	}
}

func (a *app) openSession(c *gin.Context) {
	var req ov.OpenSession
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	s, err := a.sessions.Open(req.SubjectID, req.SubjectName)
	if err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func getSession(c *gin.Context, s *session.Session) {
	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func closeSession(c *gin.Context, s *session.Session) {
	s.Close()
	c.JSON(http.StatusOK, jsend.Success(nil))
}

func setMode(c *gin.Context, s *session.Session) {
	var req ov.SetMode
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	if !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(fmt.Sprintf("unknown mode %q", req.Mode)))
		return
	}
	if err := s.SetMode(c.Request.Context(), req.Mode); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func switchCamera(c *gin.Context, s *session.Session) {
	if err := s.SwitchFacing(c.Request.Context()); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func startRecording(c *gin.Context, s *session.Session) {
	if err := s.StartRecording(c.Request.Context()); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func stopRecording(c *gin.Context, s *session.Session) {
	if _, err := s.StopRecording(c.Request.Context()); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func capturePhoto(c *gin.Context, s *session.Session) {
	if _, err := s.CapturePhoto(c.Request.Context()); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func attachFile(c *gin.Context, s *session.Session) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(session.MsgNoFile))
		return
	}
	if fh.Size > maxAttachSize {
		c.JSON(http.StatusRequestEntityTooLarge,
			jsend.SimpleErr(fmt.Sprintf("file of %s exceeds %s", humanize.Bytes(uint64(fh.Size)), humanize.Bytes(maxAttachSize))))
		return
	}
	data, err := readFormFile(fh)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	if _, err = s.Attach(c.Request.Context(), data, fileType(fh, data), fh.Filename); err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(s.View()))
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// fileType prefers the part's declared type, then the extension, then
// the content itself.
func fileType(fh *multipart.FileHeader, data []byte) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
	}
	if mt := mime.TypeByExtension(filepath.Ext(fh.Filename)); mt != "" {
		if base, _, err := mime.ParseMediaType(mt); err == nil {
			return base
		}
	}
	return http.DetectContentType(data)
}

func getArtifact(c *gin.Context, s *session.Session) {
	art := s.Artifact()
	if art == nil {
		apiErr(c, session.ErrNoArtifact)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": art.FileName}))
	c.Data(http.StatusOK, art.MIMEType, art.Payload)
}

// submit detaches the upload from the request: once issued it runs to
// completion or failure even if the page goes away.
func (a *app) submit(c *gin.Context, s *session.Session) {
	res, err := s.Submit(context.Background())
	if err != nil {
		apiErr(c, err)
		return
	}

	c.JSON(http.StatusOK, jsend.Success(ov.Submitted{Result: res, CloseInMs: a.cfg.CloseDelay().Milliseconds()}))
}

func (a *app) preview(c *gin.Context) {
	frames, cancel := a.camera.Surface().Subscribe(2)
	defer cancel()
	streamMJPEG(c, frames)
}

func canvas(c *gin.Context, s *session.Session) {
	src, cancel := s.Buffer().Subscribe(2)
	defer cancel()
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for f := range src {
			select {
			case frames <- f.Data:
			case <-c.Request.Context().Done():
				return
			}
		}
	}()
	streamMJPEG(c, frames)
}

// streamMJPEG writes frames as a multipart/x-mixed-replace stream until
// the client leaves or the channel closes.
func streamMJPEG(c *gin.Context, frames <-chan []byte) {
	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	c.Status(http.StatusOK)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	start := time.Now()
	n := 0
	defer func() {
		logger.Debugf("mjpeg stream closed after %d frames in %s", n, time.Since(start).Round(time.Second))
	}()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				logger.Warnf("failed to create multi-part writer: %s", err)
				return
			}
			if _, err = partWriter.Write(frame); err != nil {
				logger.Debugf("failed to write image: %s", err)
				return
			}
			c.Writer.Flush()
			n++
		}
	}
}

func (a *app) events(c *gin.Context) {
	a.hub.ServeWS(c.Writer, c.Request)
}

func (a *app) getMedia(c *gin.Context) {
	it, err := a.store.Get(c.Param("id"))
	if err != nil {
		apiErr(c, err)
		return
	}
	if it.FileName != "" {
		c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": it.FileName}))
	}
	c.Data(http.StatusOK, it.MIMEType, it.Data)
}

func (a *app) deviceStatus(c *gin.Context) {
	st, err := ps.Collect(a.cfg.Encoder.TempDir)
	if err != nil {
		internalErr(c, err)
		return
	}
	res := ov.DeviceStatus{
		Status: st,
		Clock: ov.Clock{
			Synced:   a.clock.Synced(),
			OffsetMs: a.clock.Offset().Milliseconds(),
			Now:      a.clock.Now().Format(time.RFC3339),
		},
		Stream: ov.Stream{
			PreviewClients: a.camera.Surface().Len(),
			EventClients:   a.hub.Clients(),
		},
	}
	for _, codec := range a.chain {
		if a.encoders.Supports(codec) {
			res.Codecs = append(res.Codecs, codec.Name)
		}
	}

	c.JSON(http.StatusOK, jsend.Success(res))
}

func statusFor(err error) int {
	switch errs.Kind(err) {
	case errs.ErrPermission:
		return http.StatusForbidden
	case errs.ErrDevice:
		return http.StatusNotFound
	case errs.ErrEncoding:
		return http.StatusInternalServerError
	case errs.ErrNetwork, errs.ErrProtocol:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, session.ErrSessionOpen),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrWrongMode),
		errors.Is(err, session.ErrNoArtifact),
		errors.Is(err, session.ErrNoCamera),
		errors.Is(err, session.ErrNoFrame),
		errors.Is(err, upload.ErrBusy),
		errors.Is(err, recording.ErrBusy),
		errors.Is(err, recording.ErrNotArmed),
		errors.Is(err, recording.ErrNotRecording):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func apiErr(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %s", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(code, jsend.SimpleErr(err.Error()))
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
