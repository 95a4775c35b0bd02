// Command upload submits a local image or video to the configured backend
// the same way a capture session does, and prints the resulting URL.
package main

import (
	"context"
	"flag"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"portrait-capture/pkg/config"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/upload"
)

var (
	configPath = flag.String("config", "./portrait-capture.json", "config file")
	subject    = flag.String("subject", "", "subject id sent as doctor_id")
	file       = flag.String("f", "", "file to upload")
	out        = flag.String("o", "", "where to write a binary response")
)

func main() {
	flag.Parse()
	if *subject == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal(err)
	}
	mt := mime.TypeByExtension(filepath.Ext(*file))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		mt = base
	}
	kind, ok := types.KindOf(mt)
	if !ok {
		log.Fatalf("%s is %s, not an image or video", *file, mt)
	}

	store := storage.New(cfg.Upload.StoreMB << 20)
	n := upload.New(
		cfg.Upload.Endpoints,
		upload.Credentials{Token: cfg.Upload.Token, UploadedBy: cfg.Upload.UploadedBy},
		store,
		upload.WithClient(&http.Client{Timeout: cfg.UploadTimeout()}),
	)
	a := &types.Artifact{
		ID:        uuid.NewString(),
		Payload:   data,
		MIMEType:  mt,
		Kind:      kind,
		FileName:  filepath.Base(*file),
		CreatedAt: time.Now(),
	}

	log.Printf("uploading %s (%s, %s) to %s", a.FileName, mt, humanize.Bytes(uint64(len(data))), n.EndpointFor(kind))
	res, err := n.Submit(context.Background(), a, *subject)
	if err != nil {
		log.Fatalf("upload failed: %v", err)
	}
	if !res.Transient {
		log.Printf("uploaded: %s %s", res.URL, res.Message)
		return
	}

	// A binary reply only lives in the store; write it out.
	it, err := store.Get(path.Base(res.URL))
	if err != nil {
		log.Fatal(err)
	}
	dst := *out
	if dst == "" {
		dst = "response" + extFor(it.MIMEType)
	}
	if err = os.WriteFile(dst, it.Data, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("server returned %s (%s), saved to %s", it.MIMEType, humanize.Bytes(uint64(len(it.Data))), dst)
}

func extFor(mt string) string {
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
