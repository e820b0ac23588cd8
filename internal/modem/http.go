package modem

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ChunkSize is the largest single data block the socket variant accepts.
const ChunkSize = 4096

const (
	contentText   = "text/plain"
	contentBinary = "application/octet-stream"
	contentJSON   = "application/json"
)

// Request is one HTTP-shaped exchange with the collection server.
type Request struct {
	// Name is the remote logical name. The HTTP-action variant sends it as
	// the user agent.
	Name        string
	ContentType string
	Body        []byte
}

// ContentType classifies a file name: plain-text extensions are text/plain,
// everything else is application/octet-stream.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".log":
		return contentText
	default:
		return contentBinary
	}
}

// Header builds the request head for a body of length bytes posted to
// /upload on host. The blank line separating head and body is included.
func Header(contentType string, length int, host string) []byte {
	return []byte(fmt.Sprintf("POST /upload HTTP/1.1\r\nContent-Type: %s\r\nContent-Length: %d\r\nHost: %s\r\n\r\n",
		contentType, length, host))
}

// Chunks splits header+body into data blocks of at most size bytes. The
// header is counted against the first block only.
func Chunks(header, body []byte, size int) [][]byte {
	budget := size - len(header)
	if budget < 0 {
		budget = 0
	}
	if budget > len(body) {
		budget = len(body)
	}

	first := make([]byte, 0, len(header)+budget)
	first = append(first, header...)
	first = append(first, body[:budget]...)
	out := [][]byte{first}

	for rest := body[budget:]; len(rest) > 0; {
		n := size
		if n > len(rest) {
			n = len(rest)
		}
		out = append(out, rest[:n])
		rest = rest[n:]
	}
	return out
}

// ChunkRounds is the number of data blocks Chunks produces.
func ChunkRounds(headerLen, bodyLen, size int) int {
	budget := size - headerLen
	if budget < 0 {
		budget = 0
	}
	if bodyLen <= budget {
		return 1
	}
	return (bodyLen-budget+size-1)/size + 1
}

type metadata struct {
	Remote string `json:"remote"`
	File   string `json:"file"`
	Size   string `json:"size"`
}

func controlBody(remote, file string, size int) []byte {
	b, _ := json.Marshal(metadata{Remote: remote, File: file, Size: fmt.Sprint(size)})
	return b
}

// UpdateConfig asks the server to push a fresh capture configuration.
func UpdateConfig(hostname string) Request {
	return Request{Name: hostname, ContentType: contentJSON, Body: controlBody("update", "config", 0)}
}

// ClearList asks the server to clear the device's pending file list.
func ClearList(hostname string) Request {
	return Request{Name: hostname, ContentType: contentJSON, Body: controlBody("list", "clear", 0)}
}

// Metadata announces a file upload: which device, which file, how large.
func Metadata(hostname, file string, size int) Request {
	return Request{Name: hostname, ContentType: contentJSON, Body: controlBody(hostname, file, size)}
}

// StampText appends a _YYYY-MM-DD_HHMM stamp to .txt names.
func StampText(name string, now time.Time) string {
	ext := filepath.Ext(name)
	if !strings.EqualFold(ext, ".txt") {
		return name
	}
	return strings.TrimSuffix(name, ext) + "_" + now.Format("2006-01-02_1504") + ext
}
