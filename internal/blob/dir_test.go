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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func isDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("path is not a directory: %#v", stat)
	}
	return nil
}

func TestEscape(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3f2a9c", "3f2a9c"},
		{"bills/nubank", "bills=2Fnubank"},
		{"竹", "=E7=AB=B9"},
		{"a.meta", "a=2Emeta"},
	}
	for _, tc := range cases {
		if got := escape(tc.in); got != tc.want {
			t.Errorf("escape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMkDirFarm(t *testing.T) {
	farm := filepath.Join(t.TempDir(), "farm")
	if err := mkdirfarm(farm, 2); err != nil {
		t.Errorf("mkdirfarm(%#v) = %#v, want nil", farm, err)
	}

	if err := isDir(farm); err != nil {
		t.Errorf("isDir(%#v) = %v, want nil", farm, err)
	}

	// Test a smattering of the directories that should be there.
	for _, sub := range []string{"a/a", "p/p", "m/c"} {
		path := filepath.Join(farm, sub)
		if err := isDir(path); err != nil {
			t.Errorf("isDir(%#v) = %v, want nil", path, err)
		}
	}
}

func TestDirStorePutOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	meta := Metadata{
		Filename:   "fatura.pdf",
		MimeType:   "application/pdf",
		MessageID:  "m1",
		AccountID:  "a1@example.com",
		IngestedAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}

	if ok, err := s.Exists(ctx, "k1"); err != nil || ok {
		t.Fatalf("Exists(k1) = %v, %v before Put", ok, err)
	}
	if err := s.Put(ctx, "k1", []byte("first"), meta); err != nil {
		t.Fatalf("Put() = %v", err)
	}
	if err := s.Put(ctx, "k1", []byte("second"), meta); err != ErrExists {
		t.Errorf("second Put() = %v, want ErrExists", err)
	}
	if ok, err := s.Exists(ctx, "k1"); err != nil || !ok {
		t.Errorf("Exists(k1) = %v, %v after Put", ok, err)
	}

	data, err := os.ReadFile(s.makePath("k1").Join())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Errorf("content = %q, want %q", data, "first")
	}
	got, err := s.ReadMeta("k1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(meta, *got); diff != "" {
		t.Errorf("ReadMeta() mismatch (-want +got):\n%s", diff)
	}
}

func TestDirStoreRacingPuts(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Put(ctx, "same-key", []byte("same content"), Metadata{Filename: "x.pdf"})
			switch err {
			case nil:
				mu.Lock()
				stored++
				mu.Unlock()
			case ErrExists:
			default:
				t.Errorf("Put() = %v", err)
			}
		}()
	}
	wg.Wait()
	if stored != 1 {
		t.Errorf("%d writers stored the blob, want 1", stored)
	}

	entries, err := os.ReadDir(s.makePath("same-key").Dir())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"same-key", "same-key.meta.json"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("farm directory mismatch (-want +got):\n%s", diff)
	}
}

func TestDirStoreRacingPutsKeepWinnerMeta(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}

	const (
		rounds  = 50
		writers = 4
	)
	for r := 0; r < rounds; r++ {
		key := fmt.Sprintf("key-%d", r)
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			winner string
		)
		for i := 0; i < writers; i++ {
			name := fmt.Sprintf("writer-%d", i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Put(ctx, key, []byte(name), Metadata{Filename: name})
				switch err {
				case nil:
					mu.Lock()
					winner = name
					mu.Unlock()
				case ErrExists:
				default:
					t.Errorf("Put() = %v", err)
				}
			}()
		}
		wg.Wait()

		data, err := os.ReadFile(s.makePath(key).Join())
		if err != nil {
			t.Fatal(err)
		}
		meta, err := s.ReadMeta(key)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != winner || meta.Filename != winner {
			t.Errorf("round %d: content %q, metadata %q, want both from %q", r, data, meta.Filename, winner)
		}
	}
}
