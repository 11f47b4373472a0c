package profile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Record type tags, matching the subset of linux perf_event.h's
// enum perf_event_type this pipeline's producer emits.
const (
	perfRecordMmap   = 1
	perfRecordSample = 9
)

// PerfMaxStackDepth bounds a valid callchain length, matching
// PERF_MAX_STACK_DEPTH.
const PerfMaxStackDepth = 127

// PerfContextMax is the context-marker threshold: any callchain entry
// greater than it is a context marker, never a real address. It lies
// above every user-space address and below every perf_event.h context
// sentinel. PerfContextUser is perf_event.h's PERF_CONTEXT_USER, as its
// defining negative __s64 constant reads when reinterpreted as __u64:
// the marker a profiled user-space call chain must begin with.
const (
	PerfContextMax  uint64 = ^uint64(0xFFFF)    // 0xffffffffffff0000
	PerfContextUser uint64 = 0xfffffffffffffe00 // (__u64)(__s64)(-512)
)

const recordHeaderSize = 8

type recordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

// readRecordHeader reads one 8-byte record header. It returns io.EOF
// verbatim when the stream ends cleanly between records, and
// io.ErrUnexpectedEOF (via io.ReadFull) if it ends mid-header.
func readRecordHeader(r io.Reader) (recordHeader, error) {
	var buf [recordHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return recordHeader{}, err
	}
	return recordHeader{
		Type: binary.LittleEndian.Uint32(buf[0:4]),
		Misc: binary.LittleEndian.Uint16(buf[4:6]),
		Size: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// mmapRecord is the decoded payload of a PERF_RECORD_MMAP record.
type mmapRecord struct {
	Pid        uint32
	Tid        uint32
	Address    uint64
	Length     uint64
	PageOffset uint64
	FileName   string
}

const mmapFixedFieldsSize = 4 + 4 + 8 + 8 + 8 // pid, tid, address, length, pageOffset

// readMmapPayload reads and decodes a PERF_RECORD_MMAP payload of the
// given size (header.Size - 8). The file name field is NUL-terminated
// and padded to an 8-byte boundary; only the bytes up to the first NUL
// are kept.
func readMmapPayload(r io.Reader, payloadSize int) (mmapRecord, error) {
	if payloadSize < mmapFixedFieldsSize {
		return mmapRecord{}, fmt.Errorf("profile: mmap payload too short (%d bytes)", payloadSize)
	}
	buf := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return mmapRecord{}, err
	}
	name := buf[mmapFixedFieldsSize:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return mmapRecord{
		Pid:        binary.LittleEndian.Uint32(buf[0:4]),
		Tid:        binary.LittleEndian.Uint32(buf[4:8]),
		Address:    binary.LittleEndian.Uint64(buf[8:16]),
		Length:     binary.LittleEndian.Uint64(buf[16:24]),
		PageOffset: binary.LittleEndian.Uint64(buf[24:32]),
		FileName:   string(name),
	}, nil
}

// sampleRecord is the decoded payload of a PERF_RECORD_SAMPLE record,
// restricted to the PERF_SAMPLE_IP | PERF_SAMPLE_CALLCHAIN fields this
// pipeline's producer enables.
type sampleRecord struct {
	IP        uint64
	Callchain []uint64
}

const sampleFixedFieldsSize = 8 + 8 // ip, callchainSize

// readSamplePayload reads and decodes a PERF_RECORD_SAMPLE payload of
// the given size. The declared callchainSize is trusted only up to
// however many u64 slots the payload actually has room for; a
// mismatch is not itself an error here (processSampleEvent's validity
// check naturally rejects the malformed result).
func readSamplePayload(r io.Reader, payloadSize int) (sampleRecord, error) {
	if payloadSize < sampleFixedFieldsSize {
		return sampleRecord{}, fmt.Errorf("profile: sample payload too short (%d bytes)", payloadSize)
	}
	buf := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return sampleRecord{}, err
	}
	ip := binary.LittleEndian.Uint64(buf[0:8])
	declared := binary.LittleEndian.Uint64(buf[8:16])
	available := (len(buf) - sampleFixedFieldsSize) / 8
	n := int(declared)
	if n > available {
		n = available
	}
	chain := make([]uint64, n)
	for i := 0; i < n; i++ {
		off := sampleFixedFieldsSize + i*8
		chain[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return sampleRecord{IP: ip, Callchain: chain}, nil
}
