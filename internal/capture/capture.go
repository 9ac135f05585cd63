// Package capture persists classified samples to a session file and loads
// them back for playback.
//
// A capture file starts with a single "# {json}" metadata line, followed by
// a CSV header and one row per sample. Anomaly columns are empty when the
// corresponding test reported nothing at that step.
package capture

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/verte-zerg/rngviz/internal/model"
)

var columns = []string{
	"position", "timestamp", "byte_value",
	"frequency_z", "frequency_p", "frequency_tier", "frequency_direction",
	"runs_z", "runs_p", "runs_tier", "runs_direction",
	"chi_square_z", "chi_square_p", "chi_square_tier", "chi_square_direction",
}

var testKinds = []model.TestKind{model.TestFrequency, model.TestRuns, model.TestChiSquare}

const flushEvery = 1000

// RecordError reports the first malformed or out-of-sequence row in a
// capture file. Row is 1-based and counts data rows only.
type RecordError struct {
	Row int
	Err error
}

// Error implements the error interface.
func (e *RecordError) Error() string {
	return fmt.Sprintf("capture row %d: %v", e.Row, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RecordError) Unwrap() error {
	return e.Err
}

// Writer appends capture records durably and in strict sequence order.
// Not safe for concurrent use; the pipeline has exactly one writer.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	csv     *csv.Writer
	written int
	lastSeq uint64
	started bool
}

// FileName builds the conventional capture file name for a session start
// time, down to milliseconds.
func FileName(t time.Time) string {
	return fmt.Sprintf("rng_capture_%s-%03d.csv", t.Format("2006-01-02_15-04-05"), t.Nanosecond()/1e6)
}

// NewWriter creates the capture file and writes the metadata header.
func NewWriter(path string, meta model.SessionMeta) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w := &Writer{file: file, buf: bufio.NewWriter(file)}
	w.csv = csv.NewWriter(w.buf)

	header, err := json.Marshal(meta)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("encode session metadata: %w", err)
	}
	if _, err := fmt.Fprintf(w.buf, "# %s\n", header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write session metadata: %w", err)
	}
	if err := w.csv.Write(columns); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return w, nil
}

// Append writes one record. Records must arrive in sequence order; a
// sequence restarting at 1 marks a new sub-sequence after a reconnect.
// Any write failure is fatal to the session: the no-data-loss guarantee
// cannot be honored once the file stops accepting rows.
func (w *Writer) Append(record model.CaptureRecord) error {
	seq := record.Sample.Seq
	if w.started && seq != w.lastSeq+1 && seq != 1 {
		return fmt.Errorf("append out of order: seq %d after %d", seq, w.lastSeq)
	}

	row := make([]string, 0, len(columns))
	row = append(row,
		strconv.FormatUint(seq, 10),
		record.Sample.WallTime.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(int(record.Sample.Value)),
	)
	for _, kind := range testKinds {
		row = append(row, encodeResult(record.Result(kind))...)
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("append capture row: %w", err)
	}

	w.lastSeq = seq
	w.started = true
	w.written++
	if w.written%flushEvery == 0 {
		// Keep the file readable for live inspection.
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return fmt.Errorf("flush capture rows: %w", err)
		}
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("flush capture file: %w", err)
		}
	}
	return nil
}

// Written returns the number of records appended so far.
func (w *Writer) Written() int {
	return w.written
}

// Close flushes buffered rows and closes the file.
func (w *Writer) Close() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flush capture rows: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("flush capture file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close capture file: %w", err)
	}
	return nil
}

func encodeResult(res model.TestResult) []string {
	if !res.Present {
		return []string{"", "", "", ""}
	}
	return []string{
		strconv.FormatFloat(res.ZScore, 'g', -1, 64),
		strconv.FormatFloat(res.PValue, 'g', -1, 64),
		res.Tier.String(),
		string(res.Direction),
	}
}

// Load reads a whole capture file. A decode failure or sequence violation on
// any row aborts the load with a RecordError naming that row; partial loads
// are never returned.
func Load(path string) (model.SessionMeta, []model.CaptureRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.SessionMeta{}, nil, fmt.Errorf("open capture file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			// Best-effort close on a read-only file.
			_ = cerr
		}
	}()
	return load(file)
}

func load(r io.Reader) (model.SessionMeta, []model.CaptureRecord, error) {
	br := bufio.NewReader(r)
	metaLine, err := br.ReadString('\n')
	if err != nil {
		return model.SessionMeta{}, nil, fmt.Errorf("read session metadata: %w", err)
	}
	metaLine = strings.TrimSpace(metaLine)
	if !strings.HasPrefix(metaLine, "# ") {
		return model.SessionMeta{}, nil, fmt.Errorf("capture file has no metadata header")
	}
	var meta model.SessionMeta
	if err := json.Unmarshal([]byte(metaLine[2:]), &meta); err != nil {
		return model.SessionMeta{}, nil, fmt.Errorf("decode session metadata: %w", err)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = len(columns)
	header, err := reader.Read()
	if err != nil {
		return model.SessionMeta{}, nil, fmt.Errorf("read capture header: %w", err)
	}
	for i, name := range columns {
		if header[i] != name {
			return model.SessionMeta{}, nil, fmt.Errorf("unexpected capture column %q, want %q", header[i], name)
		}
	}

	var records []model.CaptureRecord
	var lastSeq uint64
	for row := 1; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return model.SessionMeta{}, nil, &RecordError{Row: row, Err: err}
		}
		record, err := decodeRow(fields)
		if err != nil {
			return model.SessionMeta{}, nil, &RecordError{Row: row, Err: err}
		}
		seq := record.Sample.Seq
		if row > 1 && seq != lastSeq+1 && seq != 1 {
			return model.SessionMeta{}, nil, &RecordError{
				Row: row,
				Err: fmt.Errorf("out of sequence: %d after %d", seq, lastSeq),
			}
		}
		lastSeq = seq
		records = append(records, record)
	}
	return meta, records, nil
}

func decodeRow(fields []string) (model.CaptureRecord, error) {
	seq, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return model.CaptureRecord{}, fmt.Errorf("position: %w", err)
	}
	wallTime, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return model.CaptureRecord{}, fmt.Errorf("timestamp: %w", err)
	}
	value, err := strconv.Atoi(fields[2])
	if err != nil {
		return model.CaptureRecord{}, fmt.Errorf("byte_value: %w", err)
	}
	if value < 0 || value > 255 {
		return model.CaptureRecord{}, fmt.Errorf("byte_value %d out of range", value)
	}

	record := model.CaptureRecord{
		Sample: model.RawSample{Seq: seq, WallTime: wallTime, Value: byte(value)},
	}
	for i, kind := range testKinds {
		res, err := decodeResult(fields[3+4*i : 7+4*i])
		if err != nil {
			return model.CaptureRecord{}, fmt.Errorf("%s: %w", kind, err)
		}
		record.SetResult(kind, res)
	}
	return record, nil
}

func decodeResult(fields []string) (model.TestResult, error) {
	if fields[0] == "" && fields[1] == "" && fields[2] == "" && fields[3] == "" {
		return model.TestResult{}, nil
	}
	z, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return model.TestResult{}, fmt.Errorf("z_score: %w", err)
	}
	p, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return model.TestResult{}, fmt.Errorf("p_value: %w", err)
	}
	tier, ok := model.TierFromMarker(fields[2])
	if !ok {
		return model.TestResult{}, fmt.Errorf("unknown tier marker %q", fields[2])
	}
	direction := model.Direction(fields[3])
	switch direction {
	case model.DirectionNone, model.ExcessOnes, model.ExcessZeros:
	default:
		return model.TestResult{}, fmt.Errorf("unknown direction %q", fields[3])
	}
	return model.TestResult{
		Present:   true,
		ZScore:    z,
		PValue:    p,
		Tier:      tier,
		Direction: direction,
	}, nil
}
