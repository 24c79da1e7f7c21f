package crx

import (
	"bytes"
	"encoding/binary"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// ParseHeader 解析容器头
//
//	[0,4)   magic: Cr24 / Cr23 / PK\x03\x04
//	[4,8)   版本号，小端
//	[8,12)  头长度 N，小端
//	[12,12+N) 头内容（忽略）
//	[12+N,) zip 数据
//
// CRX2（版本 2）的头为 16 字节前导 + 公钥 + 签名
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, &analysis.MalformedContainerError{Reason: "buffer shorter than magic"}
	}

	magic := string(data[:4])
	switch magic {
	case MagicZip, MagicZipEmpty:
		return &Header{Magic: magic, Format: FormatBareZip, PayloadOffset: 0}, nil
	case MagicCurrent, MagicLegacy:
	default:
		return nil, &analysis.MalformedContainerError{Reason: "unknown magic " + quoteMagic(data[:4])}
	}

	if len(data) < preambleSize {
		return nil, &analysis.MalformedContainerError{Reason: "truncated header", Offset: len(data)}
	}
	h := &Header{
		Magic:        magic,
		Version:      binary.LittleEndian.Uint32(data[4:8]),
		HeaderLength: binary.LittleEndian.Uint32(data[8:12]),
		Format:       FormatCRX3,
	}
	if magic == MagicLegacy {
		h.Format = FormatLegacy
	}

	payload := uint64(preambleSize) + uint64(h.HeaderLength)
	if h.Version == 2 {
		// CRX2: [8,12) 公钥长度，[12,16) 签名长度
		if len(data) < crx2PreambleLen {
			return nil, &analysis.MalformedContainerError{Reason: "truncated CRX2 header", Offset: len(data)}
		}
		sigLen := binary.LittleEndian.Uint32(data[12:16])
		h.Format = FormatCRX2
		h.HeaderLength = h.HeaderLength + sigLen
		payload = uint64(crx2PreambleLen) + uint64(binary.LittleEndian.Uint32(data[8:12])) + uint64(sigLen)
	}

	if payload > uint64(len(data)) {
		return nil, &analysis.MalformedContainerError{Reason: "header length exceeds buffer", Offset: preambleSize}
	}
	h.PayloadOffset = int(payload)
	return h, nil
}

// Encode 按 CRX 格式封装 zip 数据，header 为不透明头内容
func Encode(magic string, version uint32, header, archive []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(preambleSize + len(header) + len(archive))
	buf.WriteString(magic)
	var field [4]byte
	binary.LittleEndian.PutUint32(field[:], version)
	buf.Write(field[:])
	binary.LittleEndian.PutUint32(field[:], uint32(len(header)))
	buf.Write(field[:])
	buf.Write(header)
	buf.Write(archive)
	return buf.Bytes()
}

func quoteMagic(b []byte) string {
	var sb bytes.Buffer
	sb.WriteByte('"')
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteString(`\x`)
			sb.WriteByte("0123456789abcdef"[c>>4])
			sb.WriteByte("0123456789abcdef"[c&0xf])
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
