// Package analysis 根据文件头识别内容类型，只用于诊断日志
package analysis

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// filetype 库建议读取的文件头长度
const headerSize = 262

// Sniff 返回文件的真实类型后缀; 与声明的后缀不一致时附加 "!=<ext>"
// 例如 "png", "exe!=jpg"
func Sniff(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable"
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "unreadable"
	}
	if n == 0 {
		return "empty"
	}

	kind, _ := filetype.Match(head[:n])
	if kind == filetype.Unknown {
		return "unknown"
	}

	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if declared == "" || declared == kind.Extension || compatible(kind.Extension, declared) {
		return kind.Extension
	}
	return kind.Extension + "!=" + declared
}

// 容器格式的常见别名 (docx 本质是 zip)
var aliases = map[string][]string{
	"zip": {"docx", "xlsx", "pptx", "jar", "apk", "odt", "ods", "odp", "epub"},
	"mp4": {"m4v", "m4a", "mov"},
	"mov": {"qt", "mp4"},
	"ogg": {"ogv", "oga", "opus"},
	"gz":  {"gzip", "tgz"},
	"exe": {"dll", "sys", "scr"},
	"jpg": {"jpeg"},
	"tif": {"tiff"},
}

func compatible(actual, declared string) bool {
	for _, ext := range aliases[actual] {
		if ext == declared {
			return true
		}
	}
	return false
}
