// Package hlsdir 管理每个流的 HLS 输出目录
package hlsdir

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/consts"
	"github.com/hlskeeper/hlskeeper/src/pkg/utils"
)

const DefaultDirNameTmpl = `stream_{{ .ID }}`

var (
	ErrDirectoryNotWritable = errors.New("output directory is not writable")
	ErrInvalidStreamID      = errors.New("invalid stream id")
)

// 上一次运行留下的播放列表与分段
var staleExts = map[string]struct{}{
	".m3u8": {},
	".ts":   {},
	".m4s":  {},
	".tmp":  {},
}

type dirNameData struct {
	ID string
}

type Preparer struct {
	root    string
	dirTmpl *template.Template
}

func NewPreparer(root, dirNameTmpl string) (*Preparer, error) {
	if root == "" {
		return nil, errors.New("streams root is empty")
	}
	if strings.TrimSpace(dirNameTmpl) == "" {
		dirNameTmpl = DefaultDirNameTmpl
	}
	tmpl, err := template.New("dir_name").Funcs(utils.GetFuncMap()).Parse(dirNameTmpl)
	if err != nil {
		return nil, fmt.Errorf("parse dir name template: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Preparer{root: abs, dirTmpl: tmpl}, nil
}

func (p *Preparer) Root() string {
	return p.root
}

func validateID(streamID string) error {
	switch {
	case streamID == "", streamID == ".", strings.Contains(streamID, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidStreamID, streamID)
	case strings.ContainsAny(streamID, `/\`), strings.ContainsRune(streamID, 0):
		return fmt.Errorf("%w: %q", ErrInvalidStreamID, streamID)
	}
	return nil
}

// Dir 返回流的输出目录（不创建）
func (p *Preparer) Dir(streamID string) (string, error) {
	if err := validateID(streamID); err != nil {
		return "", err
	}
	buf := new(bytes.Buffer)
	if err := p.dirTmpl.Execute(buf, dirNameData{ID: streamID}); err != nil {
		return "", fmt.Errorf("render dir name: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	// 模板渲染结果同样不能逃出根目录
	if err := validateID(name); err != nil {
		return "", err
	}
	return filepath.Join(p.root, name), nil
}

func (p *Preparer) ManifestPath(streamID string) (string, error) {
	dir, err := p.Dir(streamID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, consts.ManifestName), nil
}

// Prepare 创建目录、清理旧的播放列表与分段、确认目录可写，返回目录路径。可重复调用。
func (p *Preparer) Prepare(streamID string) (string, error) {
	dir, err := p.Dir(streamID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", notWritable(dir, err)
	}
	if err := purgeStale(dir); err != nil {
		return "", notWritable(dir, err)
	}
	if err := probeWritable(dir); err != nil {
		return "", notWritable(dir, err)
	}
	return dir, nil
}

// Remove 删除整个输出目录，目录不存在时不报错
func (p *Preparer) Remove(streamID string) error {
	dir, err := p.Dir(streamID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func purgeStale(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := staleExts[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".write_probe_")
	if err != nil {
		return err
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	rerr := os.Remove(name)
	return errors.Join(werr, cerr, rerr)
}

func notWritable(dir string, cause error) error {
	diag := configs.DiagnoseFilePermission(dir)
	if diag != nil {
		return fmt.Errorf("%w: %s: %v\n%s", ErrDirectoryNotWritable, dir, cause, diag.FormatError())
	}
	return fmt.Errorf("%w: %s: %v", ErrDirectoryNotWritable, dir, cause)
}
