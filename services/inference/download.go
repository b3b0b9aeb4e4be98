// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Model Download Manager
// =============================================================================

// DownloadProgress is one model's acquisition state.
type DownloadProgress struct {
	Model      string  `json:"model"`
	File       string  `json:"file"`
	Present    bool    `json:"present"`
	InProgress bool    `json:"in_progress"`
	Percent    float64 `json:"percent"`
	Error      string  `json:"error,omitempty"`
}

// DownloadManager is the model acquisition collaborator.
//
// # Description
//
// Fetches model weights from a configured mirror into models/, writing
// through a ".part" staging name so the readiness watcher only sees
// complete files. Only one fetch runs per model; a second request while
// one is running fails with download/in_progress. The core treats this
// component as an external collaborator; nothing on the inference path
// depends on it.
type DownloadManager struct {
	mu        sync.Mutex
	modelsDir string
	mirrorURL string
	watcher   *ModelWatcher
	log       *slog.Logger
	client    *http.Client

	progress map[string]*DownloadProgress
}

// NewDownloadManager creates the manager. mirrorURL may be empty; then
// every download fails with model/dependency_missing.
func NewDownloadManager(modelsDir, mirrorURL string, watcher *ModelWatcher, log *slog.Logger) *DownloadManager {
	if log == nil {
		log = slog.Default()
	}
	return &DownloadManager{
		modelsDir: modelsDir,
		mirrorURL: strings.TrimSuffix(mirrorURL, "/"),
		watcher:   watcher,
		log:       log,
		client:    &http.Client{Timeout: 0},
		progress:  make(map[string]*DownloadProgress),
	}
}

// Start begins fetching the named weight file.
//
// # Outputs
//
//   - error: download/in_progress when a fetch for the same model is
//     already running; model/dependency_missing with no mirror set.
func (d *DownloadManager) Start(ctx context.Context, model, file string) error {
	if d.mirrorURL == "" {
		return apperr.New(apperr.KindModelDependencyMissing, "no model mirror is configured")
	}
	if model == "" || file == "" {
		return apperr.New(apperr.KindInputInvalid, "model and file must be set")
	}

	d.mu.Lock()
	if p, ok := d.progress[model]; ok && p.InProgress {
		d.mu.Unlock()
		return apperr.New(apperr.KindDownloadInProgress, "a download for this model is already running")
	}
	p := &DownloadProgress{Model: model, File: file, InProgress: true}
	d.progress[model] = p
	d.mu.Unlock()

	go d.fetch(ctx, p)
	return nil
}

// Progress snapshots every known model's state.
func (d *DownloadManager) Progress() []DownloadProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DownloadProgress, 0, len(d.progress))
	for _, p := range d.progress {
		snapshot := *p
		snapshot.Present = d.watcher != nil && d.watcher.Has(p.File)
		out = append(out, snapshot)
	}
	return out
}

// fetch streams the weight file to a .part staging path and renames it
// into place on success.
func (d *DownloadManager) fetch(ctx context.Context, p *DownloadProgress) {
	finish := func(err error) {
		d.mu.Lock()
		p.InProgress = false
		if err != nil {
			p.Error = err.Error()
		} else {
			p.Percent = 100
			p.Error = ""
		}
		d.mu.Unlock()
		if d.watcher != nil {
			_ = d.watcher.Refresh()
		}
	}

	url := d.mirrorURL + "/" + p.File
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		finish(err)
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		finish(apperr.Wrap(apperr.KindDownloadFailed, "mirror unreachable", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		finish(apperr.Newf(apperr.KindDownloadFailed, "mirror returned status %d", resp.StatusCode))
		return
	}

	staging := filepath.Join(d.modelsDir, p.File+".part")
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		finish(apperr.Wrap(apperr.KindDownloadFailed, "could not stage the download", err))
		return
	}

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 1<<20)
	lastTick := time.Now()
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(staging)
				finish(apperr.Wrap(apperr.KindDownloadFailed, "could not write the download", werr))
				return
			}
			written += int64(n)
			if total > 0 && time.Since(lastTick) > 500*time.Millisecond {
				d.mu.Lock()
				p.Percent = float64(written) / float64(total) * 100
				d.mu.Unlock()
				lastTick = time.Now()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(staging)
			finish(apperr.Wrap(apperr.KindDownloadFailed, "download interrupted", rerr))
			return
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		finish(apperr.Wrap(apperr.KindDownloadFailed, "could not finish the download", err))
		return
	}
	final := filepath.Join(d.modelsDir, p.File)
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		finish(apperr.Wrap(apperr.KindDownloadFailed, "could not move weights into place", err))
		return
	}
	d.log.Info("model weights downloaded", "model", p.Model, "file", p.File,
		"bytes", fmt.Sprintf("%d", written))
	finish(nil)
}
