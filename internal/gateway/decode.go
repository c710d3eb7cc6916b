package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ErrResultTooLarge is returned when a result part exceeds the configured
// size, before or after decompression.
var ErrResultTooLarge = errors.New("result exceeds size limit")

// DownloadAndDecode fetches one result part and decodes it into columns and
// rows. Parts are CSV with a header record, optionally gzip-compressed.
// Location URLs are pre-signed, so no engine credentials are sent.
func (c *Client) DownloadAndDecode(ctx context.Context, location string) (*storage.Result, error) {
	ctx, span := c.tracer.StartSpan(ctx, "gateway.download", monitor.AttrOperation.String("download"))
	start := time.Now()

	res, err := c.download(ctx, location)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "decode"
		}
	}
	c.metrics.RecordGatewayCall("download", outcome, time.Since(start).Seconds())
	monitor.EndSpan(span, err)
	return res, err
}

func (c *Client) download(ctx context.Context, location string) (*storage.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransient, Op: "download", Message: "rate limiter", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "download", Message: "building request", Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errorFromResponse("download", resp.StatusCode, data)
	}

	return decodeResult(resp.Body, c.maxResultBytes)
}

// cappedReader fails with ErrResultTooLarge once more than limit bytes have
// been read, so a truncated part is never mistaken for a complete one.
type cappedReader struct {
	r     io.Reader
	limit int64
	n     int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.n > c.limit {
		return 0, ErrResultTooLarge
	}
	// Allow one byte past the limit to detect overflow.
	if rem := c.limit - c.n + 1; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		return n, ErrResultTooLarge
	}
	return n, err
}

// decodeResult parses a CSV stream, transparently inflating gzip input.
// Both the raw and the inflated stream are capped at limit bytes.
func decodeResult(r io.Reader, limit int64) (*storage.Result, error) {
	br := bufio.NewReader(&cappedReader{r: r, limit: limit})
	magic, err := br.Peek(2)
	if errors.Is(err, ErrResultTooLarge) {
		return nil, err
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading result: %w", err)
	}

	var src io.Reader = br
	if bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip result: %w", err)
		}
		defer zr.Close()
		src = &cappedReader{r: zr, limit: limit}
	}

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &storage.Result{Columns: []string{}, Rows: [][]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading result header: %w", err)
	}

	res := &storage.Result{Columns: header, Rows: [][]string{}}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading result row %d: %w", len(res.Rows)+1, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("result row %d has %d fields, header has %d", len(res.Rows)+1, len(rec), len(header))
		}
		res.Rows = append(res.Rows, rec)
	}
	return res, nil
}

// MergeResults concatenates result parts that share a header. The first
// part's columns win; a part with a different width is rejected.
func MergeResults(parts []*storage.Result) (*storage.Result, error) {
	merged := &storage.Result{Columns: []string{}, Rows: [][]string{}}
	for i, p := range parts {
		if p == nil {
			continue
		}
		if i == 0 || len(merged.Columns) == 0 {
			merged.Columns = p.Columns
		} else if len(p.Columns) != len(merged.Columns) {
			return nil, fmt.Errorf("result part %d has %d columns, expected %d", i, len(p.Columns), len(merged.Columns))
		}
		merged.Rows = append(merged.Rows, p.Rows...)
	}
	return merged, nil
}
