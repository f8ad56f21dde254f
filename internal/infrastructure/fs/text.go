// Package fs 提供文件读取相关的基础设施
package fs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/yukin371/streamgate/internal/core"
)

// LoadText 读取文本文件：先按 UTF-8 解码，失败时回退到 Shift-JIS，最后去掉首尾空白
func LoadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", core.ErrFileNotFound, path)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	text, err := Decode(data)
	if err != nil {
		var encErr *core.EncodingError
		if errors.As(err, &encErr) {
			encErr.Path = path
		}
		return "", err
	}

	return strings.TrimSpace(text), nil
}

// Decode 将字节解码为字符串。合法的 UTF-8 直接返回（不检测乱码）
func Decode(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	primary := invalidUTF8(data)

	out, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	if err != nil {
		return "", &core.EncodingError{Primary: primary, Fallback: err}
	}
	// x/text 的解码器遇到非法字节时写入 U+FFFD 而不是返回错误
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", &core.EncodingError{Primary: primary, Fallback: errors.New("invalid Shift-JIS sequence")}
	}

	return string(out), nil
}

func invalidUTF8(data []byte) error {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return fmt.Errorf("invalid UTF-8 at byte %d", i)
		}
		i += size
	}
	return errors.New("invalid UTF-8")
}
