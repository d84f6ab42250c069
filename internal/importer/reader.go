package importer

// reader.go implements chunked CSV ingestion.
//
// The reader wraps an io.Reader so that memory use is bounded by one batch
// of rows regardless of file size. The stream is consumed once, front to
// back; restarting means re-opening the underlying stream.

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// DefaultBatchSize is the number of rows returned per batch when no batch
// size is configured.
const DefaultBatchSize = 1000

// ErrMissingHeader is returned when the stream ends before a header row.
var ErrMissingHeader = errors.New("csv stream has no header row")

// Recognized column names, matched case-insensitively after trimming.
// Unknown columns are ignored; missing optional columns yield absent values.
const (
	colSKU         = "sku"
	colName        = "name"
	colDescription = "description"
	colPrice       = "price"
)

// RawRow is one data row as read from the CSV, before normalization.
// A row that could not be parsed carries a non-nil Err and empty fields;
// the caller decides whether to skip or abort.
type RawRow struct {
	Line        int // 1-based physical line, header included
	SKU         string
	Name        string
	Description string
	Price       string
	Err         error
}

// columnIndex maps each recognized column to its position in the header,
// or -1 when the column is absent.
type columnIndex struct {
	sku, name, description, price int
}

// ChunkedReader produces a lazy, finite sequence of row batches from a CSV
// byte stream. The first record is the header. Row-level malformation is
// surfaced per row via RawRow.Err rather than failing the whole read.
type ChunkedReader struct {
	csv       *csv.Reader
	batchSize int
	cols      columnIndex
	line      int
	started   bool
	done      bool
}

// NewChunkedReader wraps r for batched reading. A UTF-8 BOM at the start of
// the stream is skipped and invalid UTF-8 bytes are sanitized before the CSV
// parser sees them. batchSize <= 0 falls back to DefaultBatchSize.
func NewChunkedReader(r io.Reader, batchSize int) *ChunkedReader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	cr := csv.NewReader(newUTF8SanitizingReader(newBOMSkippingReader(r)))
	cr.FieldsPerRecord = -1 // column count is validated per row, not globally

	return &ChunkedReader{
		csv:       cr,
		batchSize: batchSize,
	}
}

// Next returns the next batch of up to batchSize rows, or io.EOF once the
// stream is exhausted. The first call reads and maps the header; a stream
// with no header at all yields ErrMissingHeader.
func (r *ChunkedReader) Next() ([]RawRow, error) {
	if r.done {
		return nil, io.EOF
	}

	if !r.started {
		if err := r.readHeader(); err != nil {
			r.done = true
			return nil, err
		}
		r.started = true
	}

	batch := make([]RawRow, 0, r.batchSize)
	for len(batch) < r.batchSize {
		rec, err := r.csv.Read()
		if err == io.EOF {
			r.done = true
			break
		}
		r.line++
		if err != nil {
			// Parse errors are row-scoped: surface and keep reading.
			batch = append(batch, RawRow{Line: r.line, Err: err})
			continue
		}
		batch = append(batch, RawRow{
			Line:        r.line,
			SKU:         fieldAt(rec, r.cols.sku),
			Name:        fieldAt(rec, r.cols.name),
			Description: fieldAt(rec, r.cols.description),
			Price:       fieldAt(rec, r.cols.price),
		})
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// readHeader consumes the header record and resolves column positions.
func (r *ChunkedReader) readHeader() error {
	header, err := r.csv.Read()
	if err == io.EOF {
		return ErrMissingHeader
	}
	if err != nil {
		return err
	}
	r.line = 1

	r.cols = columnIndex{sku: -1, name: -1, description: -1, price: -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case colSKU:
			r.cols.sku = i
		case colName:
			r.cols.name = i
		case colDescription:
			r.cols.description = i
		case colPrice:
			r.cols.price = i
		}
	}
	return nil
}

// fieldAt returns the value at idx, or "" when the column is absent from the
// header or from this particular row.
func fieldAt(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

// CountRows scans a fresh copy of the stream and returns the number of data
// rows: newline-delimited lines minus the header. A final line without a
// trailing newline still counts.
//
// This counts physical lines, so a quoted field containing a newline counts
// twice. The total only feeds percentage reporting; the processed counter
// maintained during the import is authoritative.
func CountRows(r io.Reader) (int, error) {
	buf := make([]byte, 32*1024)
	lines := 0
	last := byte('\n')

	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				lines++
			}
		}
		if n > 0 {
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	if last != '\n' {
		lines++
	}
	if lines <= 1 {
		// Empty stream or header only.
		return 0, nil
	}
	return lines - 1, nil
}

// bomSkippingReader strips a leading UTF-8 BOM (0xEF 0xBB 0xBF), commonly
// added by Windows tools, before the CSV parser sees the stream.
type bomSkippingReader struct {
	r       io.Reader
	checked bool
	buf     []byte
}

func newBOMSkippingReader(r io.Reader) *bomSkippingReader {
	return &bomSkippingReader{r: r}
}

func (b *bomSkippingReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true

		var head [3]byte
		n, err := io.ReadFull(b.r, head[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if !(n == 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF) {
			b.buf = append(b.buf, head[:n]...)
		}
	}

	if len(b.buf) > 0 {
		n := copy(p, b.buf)
		b.buf = b.buf[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// utf8SanitizingReader replaces invalid UTF-8 bytes with '?' on the fly, so
// a stray mis-encoded byte in one field degrades that field instead of
// tripping Postgres's encoding check and failing a whole batch. The
// replacement is a single byte, so sanitizing never grows the data. Memory
// use is bounded by the caller's buffer plus at most one partial rune held
// between reads.
type utf8SanitizingReader struct {
	r       io.Reader
	pending []byte
}

func newUTF8SanitizingReader(r io.Reader) *utf8SanitizingReader {
	return &utf8SanitizingReader{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8SanitizingReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// A multi-byte rune may straddle two reads: bytes held back last time go
	// in front of this read.
	off := copy(p, s.pending)
	s.pending = s.pending[:0]

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	if asciiOnly(p[:n]) {
		return n, err
	}
	return s.sanitize(p[:n], err == io.EOF), err
}

// sanitize rewrites data in place and returns the number of bytes kept.
// Unless atEOF, a trailing partial rune is held back in pending rather than
// judged on incomplete evidence.
func (s *utf8SanitizingReader) sanitize(data []byte, atEOF bool) int {
	if utf8.Valid(data) {
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			rest := data[read:]
			if !atEOF && seqLen(rest[0]) > len(rest) {
				s.pending = append(s.pending, rest...)
				return write
			}
			data[write] = '?'
			write++
			read++
			continue
		}
		copy(data[write:], data[read:read+size])
		write += size
		read += size
	}
	return write
}

// asciiOnly is the fast path: most CSV data never needs sanitizing.
func asciiOnly(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// seqLen returns the UTF-8 sequence length implied by a leading byte.
// Continuation bytes yield 0.
func seqLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}
