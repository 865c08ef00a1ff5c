// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/matta/gotbills/internal/fault"
	"github.com/pkg/errors"
)

const (
	dirFileMode  = 0700
	blobFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"

	metaSuffix = ".meta.json"
)

// DirStore keeps blobs as files under a directory, spread over a two
// level farm of 16x16 subdirectories.
type DirStore struct {
	root string
}

type farmPath struct {
	root string
	dirs []string
	base string
}

func (p farmPath) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

func (p farmPath) Dir() string {
	return filepath.Join(append([]string{p.root}, p.dirs...)...)
}

// NewDirStore creates the farm under root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(filepath.Dir(root), dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating parent of %s", root)
	}
	if err := mkdirfarm(root, 2); err != nil {
		return nil, errors.Wrapf(err, "creating blob farm in %s", root)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.makePath(key).Join())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fault.Transient(errors.Wrapf(err, "stat blob %s", key))
}

// Put links the content into place, then writes the metadata sidecar.
// The link fails if the key exists, which makes the write atomic and
// no-clobber, and only the writer that won the link writes the
// sidecar.  A crash between the two leaves content without metadata.
func (s *DirStore) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	p := s.makePath(key)
	target := p.Join()
	if _, err := os.Stat(target); err == nil {
		return ErrExists
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding blob metadata")
	}

	tmp, err := writeTemp(p.Dir(), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, target); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fault.Transient(errors.Wrapf(err, "linking blob %s", key))
	}
	return writeReplace(p.Dir(), target+metaSuffix, sidecar)
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fault.Transient(errors.Wrap(err, "creating temp blob"))
	}
	name := f.Name()
	if err := f.Chmod(blobFileMode); err != nil {
		f.Close()
		os.Remove(name)
		return "", errors.Wrap(err, "chmod temp blob")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fault.Transient(errors.Wrap(err, "writing temp blob"))
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fault.Transient(errors.Wrap(err, "syncing temp blob"))
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fault.Transient(errors.Wrap(err, "closing temp blob"))
	}
	return name, nil
}

func writeReplace(dir, target string, data []byte) error {
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fault.Transient(errors.Wrapf(err, "renaming %s", target))
	}
	return nil
}

// ReadMeta returns the metadata stored with key.
func (s *DirStore) ReadMeta(key string) (*Metadata, error) {
	data, err := os.ReadFile(s.makePath(key).Join() + metaSuffix)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding metadata of %s", key)
	}
	return &m, nil
}

// Return the specified string with characters that should not appear
// in a file name escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in a blob file name.  Only the POSIX portable filename
// characters, less the period, survive; the period is reserved for
// the sidecar suffix.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' || c == '-' || c == '_' {
		return false
	}
	return true
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(key string) []string {
	fp := fingerprint([]byte(key))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *DirStore) makePath(key string) farmPath {
	return farmPath{
		root: s.root,
		dirs: pathParts(key),
		base: escape(key),
	}
}
