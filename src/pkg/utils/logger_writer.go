package utils

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/hlskeeper/hlskeeper/src/configs"
)

// LineHandler 定义行处理函数类型
// line: 要处理的行（不含换行符）
// isImportant: 该行是否包含重要关键字（error, fatal 等）
type LineHandler func(line string, isImportant bool)

// FilteredLineWriter 按行缓冲的 io.Writer，非 Debug 模式下只处理包含关键字的行。
// 缓冲区大小固定，超长行在 UTF-8 边界处强制切断。
type FilteredLineWriter struct {
	handler  LineHandler
	keywords []string
	buf      []byte // 固定大小的缓冲区
	pos      int    // 当前写入位置
	mu       sync.Mutex
}

const (
	// DefaultBufSize 默认缓冲区大小
	DefaultBufSize = 8192
	// MaxLineLength 单行最大长度，超过此长度强制输出
	MaxLineLength = 4096
)

// DefaultKeywords 默认的过滤关键字
var DefaultKeywords = []string{"error", "fatal", "fail", "exception", "warning", "warn", "invalid", "refused", "timed out"}

// NewFilteredLineWriter 创建一个新的 FilteredLineWriter
func NewFilteredLineWriter(handler LineHandler, keywords ...string) *FilteredLineWriter {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	return &FilteredLineWriter{
		handler:  handler,
		keywords: keywords,
		buf:      make([]byte, DefaultBufSize),
		pos:      0,
	}
}

func (w *FilteredLineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := len(p)
	for len(p) > 0 {
		// 计算可写入的空间
		space := len(w.buf) - w.pos
		if space == 0 {
			// 缓冲区满了，强制处理
			w.flushBuffer()
			space = len(w.buf)
		}

		// 写入尽可能多的数据
		n := len(p)
		if n > space {
			n = space
		}
		copy(w.buf[w.pos:], p[:n])
		w.pos += n
		p = p[n:]

		// 处理完整的行
		w.processLines()
	}

	return written, nil
}

// processLines 处理缓冲区中的完整行
func (w *FilteredLineWriter) processLines() {
	start := 0
	for i := 0; i < w.pos; i++ {
		if w.buf[i] == '\n' {
			// 找到一个完整的行
			line := string(w.buf[start:i])
			start = i + 1

			if strings.TrimSpace(line) != "" {
				w.handleLine(line)
			}
		}
	}

	// 移动未处理的数据到缓冲区头部
	if start > 0 {
		remaining := w.pos - start
		if remaining > 0 {
			copy(w.buf, w.buf[start:w.pos])
		}
		w.pos = remaining
	}

	// 如果剩余未处理的数据过长（没有换行符的连续数据），强制输出
	// 这个检查放在移动数据之后，确保检查的是当前未处理的数据长度
	if w.pos > MaxLineLength {
		// 找到安全的 UTF-8 边界
		safeEnd := findUTF8SafeBoundary(w.buf[:w.pos])
		line := string(w.buf[:safeEnd])
		// 移动剩余数据到缓冲区头部
		remaining := w.pos - safeEnd
		if remaining > 0 {
			copy(w.buf, w.buf[safeEnd:w.pos])
		}
		w.pos = remaining
		w.handleLine(line)
	}
}

// flushBuffer 强制输出缓冲区中的所有内容
func (w *FilteredLineWriter) flushBuffer() {
	if w.pos > 0 {
		// 找到安全的 UTF-8 边界
		safeEnd := findUTF8SafeBoundary(w.buf[:w.pos])
		if safeEnd > 0 {
			line := string(w.buf[:safeEnd])
			// 移动剩余的不完整字符到缓冲区头部
			remaining := w.pos - safeEnd
			if remaining > 0 {
				copy(w.buf, w.buf[safeEnd:w.pos])
			}
			w.pos = remaining
			if strings.TrimSpace(line) != "" {
				w.handleLine(line)
			}
		}
		// 如果 safeEnd == 0，说明缓冲区中只有不完整的 UTF-8 字符，保留等待更多数据
	}
}

// findUTF8SafeBoundary 返回不截断多字节字符的最大位置
func findUTF8SafeBoundary(data []byte) int {
	n := len(data)
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if utf8.FullRune(data[i:]) {
			return n
		}
		return i
	}
	return n
}

func (w *FilteredLineWriter) handleLine(line string) {
	if w.handler == nil {
		return
	}

	lineLower := strings.ToLower(line)
	isImportant := false
	for _, kw := range w.keywords {
		if strings.Contains(lineLower, kw) {
			isImportant = true
			break
		}
	}

	// Debug 模式下输出所有行，否则只输出重要的行
	if configs.IsDebug() || isImportant {
		w.handler(line, isImportant)
	}
}

// Flush 强制输出缓冲区中的所有内容（公开方法）
func (w *FilteredLineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushBuffer()
}

// NewLoggerWriter 创建一个将过滤后的行写入 logger 的 writer
// error/fatal 行记为 Error，warn 行记为 Warn，其余关键字行记为 Info，普通行仅在 Debug 模式下以 Debug 输出
func NewLoggerWriter(logger logrus.FieldLogger, keywords ...string) *FilteredLineWriter {
	return NewFilteredLineWriter(func(line string, isImportant bool) {
		if logger == nil {
			return
		}
		if !isImportant {
			logger.Debug(line)
			return
		}
		lineLower := strings.ToLower(line)
		switch {
		case strings.Contains(lineLower, "error") || strings.Contains(lineLower, "fatal"):
			logger.Error(line)
		case strings.Contains(lineLower, "warning") || strings.Contains(lineLower, "warn"):
			logger.Warn(line)
		default:
			logger.Info(line)
		}
	}, keywords...)
}

// WriteLine 写入一行（自动补换行符）
func (w *FilteredLineWriter) WriteLine(line string) {
	_, _ = w.Write([]byte(line + "\n"))
}
