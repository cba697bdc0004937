package router

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	"github.com/nodegrove/apphost/internal/httpengine"
)

// DotFilesPolicy controls how the static handler treats paths whose
// final segment starts with ".".
type DotFilesPolicy string

const (
	DotFilesAllow  DotFilesPolicy = "allow"
	DotFilesDeny   DotFilesPolicy = "deny"   // respond 403
	DotFilesIgnore DotFilesPolicy = "ignore" // respond 404, as if absent
)

// StaticOptions configures Static.
type StaticOptions struct {
	Root string
	// ParamName is the wildcard parameter name the mounting route binds
	// the trailing path under (e.g. "*filepath" -> "filepath"). Defaults
	// to "*" if empty, matching a bare "*" route segment.
	ParamName string
	MaxAge    time.Duration
	DotFiles  DotFilesPolicy
	Gzip      bool
	Ignore    []string // doublestar glob patterns, matched against the path relative to Root
	// Index is the filename a directory request resolves to once its
	// path has a trailing "/". Defaults to "index.html".
	Index string
	// RedirectCode is the status used to redirect a directory request
	// missing its trailing "/" to the slash-terminated URL. Defaults to
	// 301 (permanent — the slash form is the canonical URL for a
	// directory, not a temporary alias).
	RedirectCode int
}

// staticChunk is the streamed read/write size for file bodies and range
// responses.
const staticChunk = 16 << 10

// Static returns a HandlerFunc serving files under opts.Root; the caller
// mounts it on a wildcard route whose parameter is opts.ParamName.
func Static(opts StaticOptions) HandlerFunc {
	if opts.DotFiles == "" {
		opts.DotFiles = DotFilesIgnore
	}
	if opts.Index == "" {
		opts.Index = "index.html"
	}
	if opts.RedirectCode == 0 {
		opts.RedirectCode = 301
	}
	paramName := opts.ParamName
	if paramName == "" {
		paramName = "*"
	}
	return func(ctx *Context) {
		rel := strings.TrimPrefix(ctx.Param(paramName), "/")

		if strings.Contains(rel, "..") {
			_ = ctx.Status(400).SendText("bad request")
			return
		}

		base := filepath.Base(rel)
		if base != "" && strings.HasPrefix(base, ".") {
			switch opts.DotFiles {
			case DotFilesDeny:
				_ = ctx.Status(403).SendText("forbidden")
				return
			case DotFilesIgnore:
				_ = ctx.Status(404).SendText("not found")
				return
			}
		}

		for _, pattern := range opts.Ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				_ = ctx.Status(404).SendText("not found")
				return
			}
		}

		fullPath := filepath.Join(opts.Root, filepath.FromSlash(rel))
		if !strings.HasPrefix(fullPath, filepath.Clean(opts.Root)) {
			_ = ctx.Status(400).SendText("bad request")
			return
		}

		info, err := os.Stat(fullPath)
		if err != nil {
			_ = ctx.Status(404).SendText("not found")
			return
		}

		if info.IsDir() {
			if p := ctx.Path(); !strings.HasSuffix(p, "/") {
				_ = ctx.Redirect(opts.RedirectCode, p+"/")
				return
			}
			indexPath := filepath.Join(fullPath, opts.Index)
			indexInfo, err := os.Stat(indexPath)
			if err != nil || indexInfo.IsDir() {
				_ = ctx.Status(404).SendText("not found")
				return
			}
			serveFile(ctx, indexPath, indexInfo, opts)
			return
		}

		serveFile(ctx, fullPath, info, opts)
	}
}

func serveFile(ctx *Context, fullPath string, info os.FileInfo, opts StaticOptions) {
	etag := fmt.Sprintf(`"%d-%d"`, info.Size(), info.ModTime().UnixMilli())
	lastMod := info.ModTime().UTC().Format(time.RFC1123)

	if inm := ctx.Header("If-None-Match"); inm != "" && inm == etag {
		writeNotModified(ctx, etag, lastMod)
		return
	}
	if ims := ctx.Header("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(time.RFC1123, ims); err == nil && !info.ModTime().After(t.Add(time.Second)) {
			writeNotModified(ctx, etag, lastMod)
			return
		}
	}

	contentType := detectContentType(fullPath)

	f, err := os.Open(fullPath)
	if err != nil {
		_ = ctx.Status(500).SendText("internal server error")
		return
	}
	defer f.Close()

	if rangeHeader := ctx.Header("Range"); rangeHeader != "" {
		serveRange(ctx, f, info, rangeHeader, contentType, etag, lastMod)
		return
	}

	h := httpengine.NewHeaders()
	h.Set("Content-Type", contentType)
	h.Set("ETag", etag)
	h.Set("Last-Modified", lastMod)
	if opts.MaxAge > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(opts.MaxAge.Seconds())))
	}

	if opts.Gzip && acceptsGzip(ctx) && isCompressible(contentType) {
		serveGzip(ctx, f, h)
		return
	}

	stream, err := ctx.StreamHeaders(200, h, info.Size())
	if err != nil {
		return
	}
	_, _ = io.CopyBuffer(stream, f, make([]byte, staticChunk))
	_ = stream.Close()
}

func writeNotModified(ctx *Context, etag, lastMod string) {
	h := httpengine.NewHeaders()
	h.Set("ETag", etag)
	h.Set("Last-Modified", lastMod)
	ctx.Status(304)
	_ = ctx.engine.WriteResponse(304, "", h, nil)
}

func serveRange(ctx *Context, f *os.File, info os.FileInfo, rangeHeader, contentType, etag, lastMod string) {
	start, end, ok := parseRange(rangeHeader, info.Size())
	if !ok {
		h := httpengine.NewHeaders()
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size()))
		ctx.Status(416)
		_ = ctx.engine.WriteResponse(416, "", h, nil)
		return
	}

	length := end - start + 1
	h := httpengine.NewHeaders()
	h.Set("Content-Type", contentType)
	h.Set("ETag", etag)
	h.Set("Last-Modified", lastMod)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()))
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	ctx.statusCode = 206
	if err := ctx.engine.WriteResponse(206, "", h, nil); err != nil {
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	remaining := length
	buf := make([]byte, staticChunk)
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := f.Read(buf[:want])
		if n > 0 {
			if werr := ctx.engine.WriteRaw(buf[:n]); werr != nil {
				return
			}
			remaining -= int64(n)
		}
		if err != nil {
			return
		}
	}
}

// parseRange parses a single-range "bytes=start-end" header value.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	e := size - 1
	if parts[1] != "" {
		e, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e >= size {
			e = size - 1
		}
	}
	return s, e, true
}

func serveGzip(ctx *Context, f *os.File, h *httpengine.Headers) {
	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")
	stream, err := ctx.StreamHeaders(200, h, -1)
	if err != nil {
		return
	}
	gz := gzip.NewWriter(stream)
	_, _ = io.CopyBuffer(gz, f, make([]byte, staticChunk))
	_ = gz.Close()
	_ = stream.Close()
}

func acceptsGzip(ctx *Context) bool {
	ae := ctx.Header("Accept-Encoding")
	for _, part := range strings.Split(ae, ",") {
		if strings.TrimSpace(strings.SplitN(part, ";", 2)[0]) == "gzip" {
			return true
		}
	}
	return false
}

var compressibleTypes = map[string]bool{
	"text/plain": true, "text/html": true, "text/css": true,
	"application/javascript": true, "application/json": true,
	"image/svg+xml": true,
}

func isCompressible(contentType string) bool {
	ct := contentType
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return compressibleTypes[strings.TrimSpace(ct)]
}

// detectContentType resolves a file's Content-Type by extension first
// (the fast, common path), falling back to content sniffing for
// extensionless or unrecognized files.
func detectContentType(fullPath string) string {
	if ext := path.Ext(fullPath); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	mt, err := mimetype.DetectFile(fullPath)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
