package checkpoint

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// TextSerializer writes one value per line in the order of the shared
// checkpoint format. The optional commit cookie follows the last line as
// base64 text.
type TextSerializer struct{}

func (TextSerializer) Name() string { return "text" }

type lineWriter struct {
	buf bytes.Buffer
}

func (w *lineWriter) int(v int64) {
	w.buf.WriteString(strconv.FormatInt(v, 10))
	w.buf.WriteByte('\n')
}

func (w *lineWriter) uint(v uint64) {
	w.buf.WriteString(strconv.FormatUint(v, 10))
	w.buf.WriteByte('\n')
}

func (w *lineWriter) str(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte('\n')
}

func (w *lineWriter) bool(b bool) {
	if b {
		w.str("True")
	} else {
		w.str("False")
	}
}

// MarshalLog writes the log info.
func (TextSerializer) MarshalLog(info *HybridLogRecoveryInfo, cookie []byte) ([]byte, error) {
	sessions := info.sessions()
	for _, s := range sessions {
		if strings.ContainsAny(s.commit.Name, "\r\n") {
			return nil, fmt.Errorf("checkpoint: session %d name contains a line break", s.id)
		}
	}

	var w lineWriter
	w.int(CheckpointVersion)
	w.int(info.Checksum(len(sessions)))
	w.str(info.Token.String())
	w.int(int64(info.UseSnapshotFile))
	w.int(info.Version)
	w.int(info.NextVersion)
	w.int(info.FlushedLogicalAddress)
	w.int(info.StartLogicalAddress)
	w.int(info.FinalLogicalAddress)
	w.int(info.SnapshotFinalLogicalAddress)
	w.int(info.HeadAddress)
	w.int(info.BeginAddress)
	w.int(info.DeltaTailAddress)
	w.bool(info.ManualLockingActive)

	w.int(int64(len(sessions)))
	for _, s := range sessions {
		w.int(int64(s.id))
		w.str(s.commit.Name)
		w.int(s.commit.Point.UntilSerialNo)
		w.int(int64(len(s.commit.Point.ExcludedSerialNos)))
		for _, x := range s.commit.Point.ExcludedSerialNos {
			w.int(x)
		}
	}

	w.int(int64(len(info.ObjectLogSegmentOffsets)))
	for _, off := range info.ObjectLogSegmentOffsets {
		w.int(off)
	}

	if len(cookie) > 0 {
		w.buf.WriteString(base64.StdEncoding.EncodeToString(cookie))
	}
	return w.buf.Bytes(), nil
}

type lineReader struct {
	data []byte
	line int
	err  error
}

func (r *lineReader) next() string {
	if r.err != nil {
		return ""
	}
	if len(r.data) == 0 {
		r.err = fmt.Errorf("%w: unexpected end at line %d", ErrMalformed, r.line+1)
		return ""
	}
	r.line++
	line, rest, found := bytes.Cut(r.data, []byte{'\n'})
	if !found {
		r.err = fmt.Errorf("%w: unterminated line %d", ErrMalformed, r.line)
		return ""
	}
	r.data = rest
	return strings.TrimSuffix(string(line), "\r")
}

func (r *lineReader) int64() int64 {
	s := r.next()
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		r.err = fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
	}
	return v
}

func (r *lineReader) uint64() uint64 {
	s := r.next()
	if r.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		r.err = fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
	}
	return v
}

func (r *lineReader) count() int {
	n := r.int64()
	if r.err == nil && (n < 0 || n > int64(len(r.data))) {
		r.err = fmt.Errorf("%w: line %d: bad count %d", ErrMalformed, r.line, n)
		return 0
	}
	return int(n)
}

func (r *lineReader) bool() bool {
	s := strings.TrimSpace(r.next())
	if r.err != nil {
		return false
	}
	switch {
	case strings.EqualFold(s, "true"):
		return true
	case strings.EqualFold(s, "false"):
		return false
	}
	r.err = fmt.Errorf("%w: line %d: bad boolean %q", ErrMalformed, r.line, s)
	return false
}

func (r *lineReader) token() Token {
	s := r.next()
	if r.err != nil {
		return NilToken
	}
	t, err := ParseToken(strings.TrimSpace(s))
	if err != nil {
		r.err = fmt.Errorf("%w: line %d: %v", ErrMalformed, r.line, err)
	}
	return t
}

func (r *lineReader) version(want int64) {
	v := r.int64()
	if r.err == nil && v != want {
		r.err = fmt.Errorf("%w: got %d, want %d", ErrInvalidVersion, v, want)
	}
}

// UnmarshalLog parses the log info.
func (TextSerializer) UnmarshalLog(data []byte, info *HybridLogRecoveryInfo) ([]byte, error) {
	r := &lineReader{data: data}
	r.version(CheckpointVersion)
	checksum := r.int64()

	info.resetLoaded()
	info.Token = r.token()
	info.UseSnapshotFile = int32(r.int64())
	info.Version = r.int64()
	info.NextVersion = r.int64()
	info.FlushedLogicalAddress = r.int64()
	info.StartLogicalAddress = r.int64()
	info.FinalLogicalAddress = r.int64()
	info.SnapshotFinalLogicalAddress = r.int64()
	info.HeadAddress = r.int64()
	info.BeginAddress = r.int64()
	info.DeltaTailAddress = r.int64()
	info.ManualLockingActive = r.bool()

	numSessions := r.count()
	for s := 0; s < numSessions && r.err == nil; s++ {
		id := int(r.int64())
		name := r.next()
		until := r.int64()
		var excluded []int64
		for n := r.count(); n > 0 && r.err == nil; n-- {
			excluded = append(excluded, r.int64())
		}
		info.addRecovered(id, SessionCommit{Name: name, Point: CommitPoint{UntilSerialNo: until, ExcludedSerialNos: excluded}})
	}

	if n := r.count(); n > 0 {
		info.ObjectLogSegmentOffsets = make([]int64, n)
		for s := range info.ObjectLogSegmentOffsets {
			info.ObjectLogSegmentOffsets[s] = r.int64()
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	if checksum != info.Checksum(numSessions) {
		return nil, ErrInvalidChecksum
	}

	rest := strings.TrimSpace(string(r.data))
	if rest == "" {
		return nil, nil
	}
	cookie, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: commit cookie: %v", ErrMalformed, err)
	}
	return cookie, nil
}

// MarshalIndex writes the index info.
func (TextSerializer) MarshalIndex(info *IndexRecoveryInfo) ([]byte, error) {
	var w lineWriter
	w.int(IndexCheckpointVersion)
	w.int(info.Checksum())
	w.str(info.Token.String())
	w.int(info.TableSize)
	w.uint(info.NumHTBytes)
	w.uint(info.NumOFBBytes)
	w.int(int64(info.NumBuckets))
	w.int(info.StartLogicalAddress)
	w.int(info.FinalLogicalAddress)
	return w.buf.Bytes(), nil
}

// UnmarshalIndex parses the index info.
func (TextSerializer) UnmarshalIndex(data []byte, info *IndexRecoveryInfo) error {
	r := &lineReader{data: data}
	r.version(IndexCheckpointVersion)
	checksum := r.int64()

	info.Token = r.token()
	info.TableSize = r.int64()
	info.NumHTBytes = r.uint64()
	info.NumOFBBytes = r.uint64()
	info.NumBuckets = int32(r.int64())
	info.StartLogicalAddress = r.int64()
	info.FinalLogicalAddress = r.int64()
	if r.err != nil {
		return r.err
	}

	if checksum != info.Checksum() {
		return ErrInvalidChecksum
	}
	return nil
}
