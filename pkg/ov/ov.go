// Package ov holds the request and response bodies of the HTTP API.
package ov

import (
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils/ps"
)

type OpenSession struct {
	SubjectID   string `json:"subjectId" binding:"required"`
	SubjectName string `json:"subjectName"`
}

type SetMode struct {
	Mode types.Mode `json:"mode" binding:"required"`
}

type Submitted struct {
	Result *types.UploadResult `json:"result"`
	// CloseInMs is how long the result is shown before the session closes.
	CloseInMs int64 `json:"closeInMs"`
}

type DeviceStatus struct {
	ps.Status
	Clock Clock `json:"clock"`
	// Codecs lists the chain entries the encoder can currently use.
	Codecs []string `json:"codecs"`
	Stream Stream   `json:"stream"`
}

type Clock struct {
	Synced   bool   `json:"synced"`
	OffsetMs int64  `json:"offsetMs"`
	Now      string `json:"now"`
}

type Stream struct {
	PreviewClients int `json:"previewClients"`
	EventClients   int `json:"eventClients"`
}
