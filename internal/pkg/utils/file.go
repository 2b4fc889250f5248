package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MakeFileName joins ID and file name into the stored object key
func MakeFileName(id, name string) string {
	if id == "" {
		return name
	}
	return id + "/" + name
}

// MakeValidateFileName sanitizes an uploaded file name and prefixes it with the ID
func MakeValidateFileName(id, fileName string) (string, error) {
	fn := filepath.Base(filepath.Clean(fileName))
	if fn == "." || fn == "/" || fn == "" {
		return "", fmt.Errorf("wrong file name '%s'", fileName)
	}
	ext := filepath.Ext(fn)
	fn = strings.TrimSuffix(fn, ext) + strings.ToLower(ext)
	fn = strings.ReplaceAll(fn, " ", "_")
	return MakeFileName(id, fn), nil
}

// SupportMediaExt checks if audio/video ext is supported for transcription
func SupportMediaExt(ext string) bool {
	return ext == ".wav" || ext == ".mp3" || ext == ".mp4" || ext == ".m4a" ||
		ext == ".ogg" || ext == ".webm"
}

// SupportTextExt checks if text-like ext is supported for direct analysis
func SupportTextExt(ext string) bool {
	return ext == ".txt" || ext == ".md" || ext == ".srt" || ext == ".vtt"
}
