package api

import "io"

// UploadData keeps structure for the transcription request
type UploadData struct {
	Params map[string]string
	Files  map[string]io.Reader
}

// PrmCallbackURL is the provider param telling where to deliver the outcome webhook
const PrmCallbackURL = "callbackURL"

// PrmLang is the provider param with source language hint
const PrmLang = "language"
