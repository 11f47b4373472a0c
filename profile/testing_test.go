package profile

import (
	"bytes"
	"encoding/binary"
)

// encodeRecordHeader writes an 8-byte record header.
func encodeRecordHeader(buf *bytes.Buffer, typ uint32, misc uint16, size uint16) {
	var h [8]byte
	binary.LittleEndian.PutUint32(h[0:4], typ)
	binary.LittleEndian.PutUint16(h[4:6], misc)
	binary.LittleEndian.PutUint16(h[6:8], size)
	buf.Write(h[:])
}

// encodeMmapRecord builds a complete PERF_RECORD_MMAP record (header
// included), padding the NUL-terminated file name to an 8-byte
// boundary as the wire format requires.
func encodeMmapRecord(address, length, pageOffset uint64, fileName string) []byte {
	name := append([]byte(fileName), 0)
	for len(name)%8 != 0 {
		name = append(name, 0)
	}
	payloadSize := mmapFixedFieldsSize + len(name)
	var buf bytes.Buffer
	encodeRecordHeader(&buf, perfRecordMmap, 0, uint16(recordHeaderSize+payloadSize))

	var fields [mmapFixedFieldsSize]byte
	binary.LittleEndian.PutUint32(fields[0:4], 1)  // pid
	binary.LittleEndian.PutUint32(fields[4:8], 1)  // tid
	binary.LittleEndian.PutUint64(fields[8:16], address)
	binary.LittleEndian.PutUint64(fields[16:24], length)
	binary.LittleEndian.PutUint64(fields[24:32], pageOffset)
	buf.Write(fields[:])
	buf.Write(name)
	return buf.Bytes()
}

// encodeSampleRecord builds a complete PERF_RECORD_SAMPLE record.
func encodeSampleRecord(ip uint64, callchain []uint64) []byte {
	payloadSize := sampleFixedFieldsSize + 8*len(callchain)
	var buf bytes.Buffer
	encodeRecordHeader(&buf, perfRecordSample, 0, uint16(recordHeaderSize+payloadSize))

	var fields [sampleFixedFieldsSize]byte
	binary.LittleEndian.PutUint64(fields[0:8], ip)
	binary.LittleEndian.PutUint64(fields[8:16], uint64(len(callchain)))
	buf.Write(fields[:])
	for _, c := range callchain {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], c)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// encodeUnknownRecord builds a record of an unrecognized type, to
// exercise the header-only skip path.
func encodeUnknownRecord(typ uint32, payload []byte) []byte {
	var buf bytes.Buffer
	encodeRecordHeader(&buf, typ, 0, uint16(recordHeaderSize+len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}
