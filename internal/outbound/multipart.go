package outbound

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"regexp"
	"strings"

	"pathproxy-go/internal/model"
)

const formDataType = "multipart/form-data"

// boundaryPattern captures the boundary parameter, quoted or bare.
var boundaryPattern = regexp.MustCompile(`boundary=(?:"([^"]*)"|([^;\s]*))`)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Boundary extracts the boundary of a multipart/form-data content type.
// It reports false for other content types or when no boundary is present.
func Boundary(contentType string) (string, bool) {
	if !strings.HasPrefix(contentType, formDataType) {
		return "", false
	}
	m := boundaryPattern.FindStringSubmatch(contentType)
	if m == nil {
		return "", false
	}
	b := m[1] + m[2]
	if b == "" {
		return "", false
	}
	return b, true
}

// RebuildMultipart serializes form as a multipart body delimited by boundary.
// Fields are written first, then every file whose Err is nil and whose
// contents can be opened; other files are left out. The body is
// produced lazily through a pipe, so file contents are never held in memory;
// closing the returned reader aborts the writer.
func RebuildMultipart(boundary string, form *model.FormData) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(boundary); err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("set boundary: %w", err)
	}

	go func() {
		pw.CloseWithError(writeParts(mw, form))
	}()

	return pr, nil
}

func writeParts(mw *multipart.Writer, form *model.FormData) error {
	for _, f := range form.Fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return fmt.Errorf("write field %q: %w", f.Name, err)
		}
	}
	for _, f := range form.Files {
		if f.Err != nil {
			continue
		}
		if err := writeFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, f model.UploadedFile) error {
	src, err := f.Open()
	if err != nil {
		// An upload that cannot be read back is treated like a failed upload.
		return nil
	}
	defer func() { _ = src.Close() }()

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(f.Name), quoteEscaper.Replace(f.Filename)))
	h.Set("Content-Type", ct)

	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %q: %w", f.Name, err)
	}

	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy upload %q: %w", f.Name, err)
	}
	return nil
}
