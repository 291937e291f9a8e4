package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"

	"pathproxy-go/internal/model"
	"pathproxy-go/internal/outbound"
)

// ErrUploadTooLarge marks an uploaded file above forward.max_file_bytes.
var ErrUploadTooLarge = errors.New("uploaded file exceeds size limit")

// errMalformedForm wraps multipart parse failures.
var errMalformedForm = errors.New("malformed multipart body")

// inboundOptions controls how a request is turned into an InboundContext.
type inboundOptions struct {
	mountPath       string
	multipartMemory int64
	maxFileBytes    int64
}

// newInboundContext captures the request once at the process boundary. A
// multipart/form-data body with a boundary is read into form data in wire
// order; every other body is left unread. The returned release func removes
// any spooled upload files and must be called once the request is done.
func newInboundContext(c echo.Context, opts inboundOptions) (*model.InboundContext, func(), error) {
	req := c.Request()

	in := &model.InboundContext{
		Method:        req.Method,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		TLS:           c.Scheme() == "https",
		RoutingPath:   strings.TrimPrefix(req.URL.EscapedPath(), opts.mountPath),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header.Clone(),
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	if _, ok := outbound.Boundary(req.Header.Get(echo.HeaderContentType)); !ok {
		return in, func() {}, nil
	}

	fr := &formReader{
		fieldBudget: opts.multipartMemory,
		fileBudget:  opts.multipartMemory,
		maxFile:     opts.maxFileBytes,
	}
	fd, err := fr.read(req)
	if err != nil {
		fr.release()
		return nil, func() {}, fmt.Errorf("%w: %w", errMalformedForm, err)
	}
	in.Form = fd
	in.Body = http.NoBody
	in.ContentLength = 0

	return in, fr.release, nil
}

// formReader reads a multipart body part by part. Field values and small
// files stay in memory; files past the memory budget are spooled to disk.
type formReader struct {
	fieldBudget int64
	fileBudget  int64
	maxFile     int64
	spooled     []string
}

func (fr *formReader) read(req *http.Request) (*model.FormData, error) {
	mr, err := req.MultipartReader()
	if err != nil {
		return nil, err
	}

	fd := &model.FormData{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return fd, nil
		}
		if err != nil {
			return nil, err
		}

		name := p.FormName()
		switch {
		case name == "":
			// Parts without a form name carry nothing to forward.
		case p.FileName() == "":
			v, err := fr.field(p)
			if err != nil {
				return nil, err
			}
			fd.Fields = append(fd.Fields, model.FormField{Name: name, Value: v})
		default:
			uf, err := fr.file(p)
			if err != nil {
				return nil, err
			}
			fd.Files = append(fd.Files, uf)
		}
		_ = p.Close()
	}
}

func (fr *formReader) field(p *multipart.Part) (string, error) {
	var b strings.Builder
	n, err := io.CopyN(&b, p, fr.fieldBudget+1)
	if err != nil && err != io.EOF {
		return "", err
	}
	if n > fr.fieldBudget {
		return "", multipart.ErrMessageTooLarge
	}
	fr.fieldBudget -= n
	return b.String(), nil
}

func (fr *formReader) file(p *multipart.Part) (model.UploadedFile, error) {
	uf := model.UploadedFile{
		Name:        p.FormName(),
		Filename:    p.FileName(),
		ContentType: p.Header.Get(echo.HeaderContentType),
	}

	var src io.Reader = p
	if fr.maxFile > 0 {
		// One byte past the limit is enough to know the file is too large.
		src = io.LimitReader(p, fr.maxFile+1)
	}

	var buf bytes.Buffer
	n, err := io.CopyN(&buf, src, fr.fileBudget+1)
	if err != nil && err != io.EOF {
		return uf, err
	}

	if n <= fr.fileBudget {
		fr.fileBudget -= n
		data := buf.Bytes()
		uf.Open = func() (io.ReadCloser, error) {
			return model.NewBufferedBody(data), nil
		}
	} else {
		path, size, err := fr.spool(io.MultiReader(&buf, src))
		if err != nil {
			uf.Err = err
			return uf, nil
		}
		n = size
		uf.Open = func() (io.ReadCloser, error) {
			return os.Open(path)
		}
	}

	if fr.maxFile > 0 && n > fr.maxFile {
		uf.Err = fmt.Errorf("%w: more than %d bytes", ErrUploadTooLarge, fr.maxFile)
	}
	return uf, nil
}

func (fr *formReader) spool(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "pathproxy-upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("spool upload: %w", err)
	}
	fr.spooled = append(fr.spooled, f.Name())

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("spool upload: %w", err)
	}
	return f.Name(), n, nil
}

func (fr *formReader) release() {
	for _, path := range fr.spooled {
		_ = os.Remove(path)
	}
	fr.spooled = nil
}
