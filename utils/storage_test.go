// parlor/utils/storage_test.go
package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage(t *testing.T) {
	dir := t.TempDir()
	ls := &LocalStorage{AvatarDir: dir}

	ref, err := ls.SaveFile("face.jpg", []byte("jpeg bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if ref != "/avatars/face.jpg" {
		t.Errorf("ref = %q, want /avatars/face.jpg", ref)
	}

	data, err := os.ReadFile(filepath.Join(dir, "face.jpg"))
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if string(data) != "jpeg bytes" {
		t.Errorf("stored data = %q", data)
	}

	if err := ls.DeleteFile(ref); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "face.jpg")); !os.IsNotExist(err) {
		t.Error("file should be gone after delete")
	}

	// Deleting a missing file is not an error.
	if err := ls.DeleteFile("/avatars/never-existed.jpg"); err != nil {
		t.Errorf("delete of missing file should be a no-op: %v", err)
	}
}
