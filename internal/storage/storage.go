package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/lk2023060901/msgrelay-go/pkg/util/merr"
)

// credentialsFileName 为会话目录下凭证文件的名称。
const credentialsFileName = "creds.json"

// Store 管理每个会话独占的持久化目录。
//
// 说明：
//   - 目录以会话 ID 命名，位于 root 之下，会话之间相互隔离；
//   - 底层文件系统通过 afero.Fs 注入，测试中可替换为内存实现。
type Store struct {
	fs   afero.Fs
	root string
}

// New 在给定文件系统与根目录上创建 Store。
func New(fs afero.Fs, root string) *Store {
	return &Store{
		fs:   fs,
		root: filepath.Clean(root),
	}
}

// NewOsStore 在本地磁盘上创建 Store。
func NewOsStore(root string) *Store {
	return New(afero.NewOsFs(), root)
}

// Init 确保根目录存在。
func (s *Store) Init() error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return merr.WrapErrStorageFailed(s.root, err)
	}
	return nil
}

// Root 返回根目录。
func (s *Store) Root() string {
	return s.root
}

// Path 返回会话目录路径。
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

// Exists 判断会话目录是否存在。
func (s *Store) Exists(id string) bool {
	if checkID(id) != nil {
		return false
	}
	ok, err := afero.DirExists(s.fs, s.Path(id))
	return err == nil && ok
}

// Create 为会话创建一个全新的目录；目录已存在时返回错误，避免两个会话共享同一目录。
func (s *Store) Create(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	dir := s.Path(id)
	if _, err := s.fs.Stat(dir); err == nil {
		return "", merr.WrapErrStorageFailed(dir, errors.New("directory already exists"))
	} else if !os.IsNotExist(err) {
		return "", merr.WrapErrStorageFailed(dir, err)
	}
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return "", merr.WrapErrStorageFailed(dir, err)
	}
	return dir, nil
}

// Remove 删除会话目录及其内容；目录不存在时不报错。
func (s *Store) Remove(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	dir := s.Path(id)
	if err := s.fs.RemoveAll(dir); err != nil {
		return merr.WrapErrStorageFailed(dir, err)
	}
	return nil
}

// Credentials 返回会话目录下的凭证文件。
func (s *Store) Credentials(id string) *CredentialFile {
	return &CredentialFile{
		fs:   s.fs,
		path: filepath.Join(s.Path(id), credentialsFileName),
	}
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return merr.WrapErrParameterInvalidMsg("invalid session id %q", id)
	}
	return nil
}

// CredentialFile 以单个文件保存一个会话的不透明凭证数据。
type CredentialFile struct {
	fs   afero.Fs
	path string
}

// Path 返回凭证文件路径。
func (f *CredentialFile) Path() string {
	return f.path
}

// Load 读取凭证；文件不存在时返回 (nil, nil)。
func (f *CredentialFile) Load() ([]byte, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, merr.WrapErrStorageFailed(f.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// Save 先写临时文件再原子重命名为凭证文件。
func (f *CredentialFile) Save(creds []byte) error {
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, creds, 0o600); err != nil {
		return merr.WrapErrStorageFailed(tmp, err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		_ = f.fs.Remove(tmp)
		return merr.WrapErrStorageFailed(f.path, err)
	}
	return nil
}
