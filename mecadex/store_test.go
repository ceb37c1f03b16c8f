package mecadex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"testing"
)

func newFSForTest(t *testing.T) BlobStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "mecadex-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewFS(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func eachStore(t *testing.T, fn func(t *testing.T, store BlobStore)) {
	t.Run("fs", func(t *testing.T) { fn(t, newFSForTest(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
}

func TestBlobStore_Put_ErrPathExists(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		ctx := context.Background()

		err := store.Put(ctx, "index/January_2024/manifest-00000001.json", bytes.NewReader([]byte("a")))
		if err != nil {
			t.Fatalf("first Put failed: %v", err)
		}

		err = store.Put(ctx, "index/January_2024/manifest-00000001.json", bytes.NewReader([]byte("b")))
		if !errors.Is(err, ErrPathExists) {
			t.Errorf("expected ErrPathExists, got: %v", err)
		}
	})
}

func TestBlobStore_Get_RoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		ctx := context.Background()
		content := []byte(`{"stable_id":"10.1101/123"}`)

		if err := store.Put(ctx, "index/data.json", bytes.NewReader(content)); err != nil {
			t.Fatal(err)
		}

		rc, err := store.Get(ctx, "index/data.json")
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()

		got, err := io.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("Get returned %q, want %q", got, content)
		}
	})
}

func TestBlobStore_Get_ErrNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		_, err := store.Get(context.Background(), "missing/path.json")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestBlobStore_Put_ErrInvalidPath(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		ctx := context.Background()
		for _, path := range []string{"", "..", "../escape.json"} {
			err := store.Put(ctx, path, bytes.NewReader([]byte("x")))
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("Put(%q): expected ErrInvalidPath, got: %v", path, err)
			}
		}
	})
}

func TestBlobStore_List_Prefix(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		ctx := context.Background()

		for _, path := range []string{
			"index/January_2024/entries-00000001.jsonl.zst",
			"index/January_2024/manifest-00000001.json",
			"index/February_2024/manifest-00000001.json",
		} {
			if err := store.Put(ctx, path, bytes.NewReader([]byte("x"))); err != nil {
				t.Fatal(err)
			}
		}

		paths, err := store.List(ctx, "index/January_2024/")
		if err != nil {
			t.Fatal(err)
		}
		sort.Strings(paths)

		want := []string{
			"index/January_2024/entries-00000001.jsonl.zst",
			"index/January_2024/manifest-00000001.json",
		}
		if len(paths) != len(want) {
			t.Fatalf("List returned %v, want %v", paths, want)
		}
		for i := range want {
			if paths[i] != want[i] {
				t.Errorf("List[%d] = %q, want %q", i, paths[i], want[i])
			}
		}
	})
}

func TestBlobStore_Delete_Idempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, store BlobStore) {
		ctx := context.Background()

		if err := store.Put(ctx, "index/data.json", bytes.NewReader([]byte("x"))); err != nil {
			t.Fatal(err)
		}
		if err := store.Delete(ctx, "index/data.json"); err != nil {
			t.Fatal(err)
		}
		// Deleting a missing path is not an error.
		if err := store.Delete(ctx, "index/data.json"); err != nil {
			t.Errorf("second Delete failed: %v", err)
		}

		exists, err := store.Exists(ctx, "index/data.json")
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Error("path still exists after Delete")
		}
	})
}
