// Package feed loads fact batches for ingestion from local files and
// remote drops (HTTP and FTP), in the three tabular handover formats.
package feed

import (
	"bytes"
	"context"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/config"
	"github.com/momentumfirm/finhub/internal/model"
)

// Format identifies a batch handover format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Loader resolves a batch source to facts: scheme picks the transport,
// extension picks the parser.
type Loader struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewLoader builds a loader with transports tuned from config.
func NewLoader(cfg config.IngestConfig) *Loader {
	timeout := time.Duration(cfg.HTTPTimeoutSecs) * time.Second
	return &Loader{
		http: NewHTTPFetcher(HTTPOptions{Timeout: timeout, MaxRetries: cfg.Retries}),
		ftp:  NewFTPFetcher(FTPOptions{Timeout: timeout, MaxRetries: cfg.Retries}),
	}
}

// FormatOf infers the handover format from the source extension.
func FormatOf(source string) (Format, error) {
	ext := strings.ToLower(path.Ext(sourcePath(source)))
	switch ext {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", model.Validationf("cannot infer batch format from %q (want .xlsx, .csv or .json)", source)
	}
}

// sourcePath strips any URL query so extension inference sees the path.
func sourcePath(source string) string {
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		return source[:i]
	}
	return source
}

// Load reads the fact batch at source, which is a local path, an
// http(s):// URL or an ftp:// URL.
func (l *Loader) Load(ctx context.Context, source string) ([]model.Fact, error) {
	format, err := FormatOf(source)
	if err != nil {
		return nil, err
	}

	var bs []byte
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		bs, err = l.http.DownloadBytes(ctx, source)
	case strings.HasPrefix(source, "ftp://"):
		bs, err = l.ftp.DownloadBytes(ctx, source)
	default:
		bs, err = os.ReadFile(source)
		if err != nil {
			return nil, model.Validationf("cannot read batch file %q: %v", source, err)
		}
	}
	if err != nil {
		return nil, err
	}

	facts, err := parse(format, bs)
	if err != nil {
		return nil, err
	}

	zap.L().Info("feed: batch loaded",
		zap.String("source", source),
		zap.String("format", string(format)),
		zap.Int("facts", len(facts)),
	)
	return facts, nil
}

func parse(format Format, bs []byte) ([]model.Fact, error) {
	switch format {
	case FormatXLSX:
		return ReadXLSXBytes(bs)
	case FormatCSV:
		return ReadCSV(bytes.NewReader(bs))
	case FormatJSON:
		return ReadJSON(bytes.NewReader(bs))
	default:
		return nil, model.Validationf("unknown batch format %q", format)
	}
}
