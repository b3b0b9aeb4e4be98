// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
)

// allowedAudioExtensions are the accepted upload container types.
var allowedAudioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".webm": true,
	".mp4":  true,
}

// HandleTranscribe converts an uploaded recording to text.
//
// POST /transcribe, multipart with "file" and optional "language".
// Validation happens before any scheduler submission so an invalid
// upload never occupies a speech slot.
func HandleTranscribe(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/transcribe", audit.ActionTranscribe, started, opErr) }()

		if opErr = d.shedIfOverloaded(scheduler.QueueSpeech); opErr != nil {
			d.respondError(c, opErr)
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				opErr = apperr.New(apperr.KindInputTooLarge, "upload exceeds the 100 MiB cap")
			} else {
				opErr = apperr.New(apperr.KindInputEmpty, "multipart field 'file' is required")
			}
			d.respondError(c, opErr)
			return
		}
		if header.Filename == "" {
			opErr = apperr.New(apperr.KindInputFilenameMissing, "the upload must carry a filename")
			d.respondError(c, opErr)
			return
		}
		ext := strings.ToLower(filepath.Ext(header.Filename))
		if !allowedAudioExtensions[ext] {
			opErr = apperr.Newf(apperr.KindInputExtension,
				"unsupported audio extension %q", ext)
			d.respondError(c, opErr)
			return
		}

		f, err := header.Open()
		if err != nil {
			opErr = apperr.Wrap(apperr.KindInputInvalid, "could not open the upload", err)
			d.respondError(c, opErr)
			return
		}
		defer f.Close()
		audio, err := io.ReadAll(f)
		if err != nil {
			var maxBytes *http.MaxBytesError
			if errors.As(err, &maxBytes) {
				opErr = apperr.New(apperr.KindInputTooLarge, "upload exceeds the 100 MiB cap")
			} else {
				opErr = apperr.Wrap(apperr.KindInputInvalid, "could not read the upload", err)
			}
			d.respondError(c, opErr)
			return
		}
		language := strings.TrimSpace(c.PostForm("language"))

		text, err := d.Pipe.Transcribe(c.Request.Context(), audio, header.Filename, language)
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}

		c.JSON(http.StatusOK, datatypes.TranscribeResponse{
			Text:      text,
			Language:  language,
			RequestId: middleware.GetRequestId(c),
		})
	}
}
