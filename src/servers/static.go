package servers

import (
	"net/http"
	"os"
	"strings"
)

// hlsFileSystem 只提供普通文件：以 . 开头的路径段和目录一律视为不存在
type hlsFileSystem struct {
	root http.FileSystem
}

func (fs hlsFileSystem) Open(name string) (http.File, error) {
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") {
			return nil, os.ErrNotExist
		}
	}
	f, err := fs.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
