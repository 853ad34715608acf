package storage_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kbukum/condflow/logger"
	"github.com/kbukum/condflow/storage"
	"github.com/kbukum/condflow/storage/local"
	"github.com/kbukum/condflow/storage/memory"
)

func backends(t *testing.T) map[string]storage.Storage {
	t.Helper()
	l, err := local.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return map[string]storage.Storage{
		"local":  l,
		"memory": memory.NewStorage(),
	}
}

func TestBackends_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Upload(ctx, "runs/r1/A/model", bytes.NewReader([]byte("v1"))); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.Upload(ctx, "runs/r1/A/model", bytes.NewReader([]byte("v2"))); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.Upload(ctx, "runs/r2/B/report", strings.NewReader("{}")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			data, err := storage.ReadAll(ctx, s, "runs/r1/A/model")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(data) != "v2" {
				t.Errorf("expected overwrite to win, got %q", data)
			}

			ok, err := s.Exists(ctx, "runs/r1/A/model")
			if err != nil || !ok {
				t.Errorf("expected exists, got %v %v", ok, err)
			}

			files, err := s.List(ctx, "runs/r1/")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(files) != 1 || files[0].Path != "runs/r1/A/model" || files[0].Size != 2 {
				t.Errorf("unexpected listing %+v", files)
			}

			if _, err := s.Download(ctx, "runs/r1/A/nope"); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			if err := s.Delete(ctx, "runs/r1/A/model"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.Delete(ctx, "runs/r1/A/model"); err != nil {
				t.Errorf("deleting a missing object should succeed, got %v", err)
			}
			if ok, _ := s.Exists(ctx, "runs/r1/A/model"); ok {
				t.Error("expected object to be gone")
			}
		})
	}
}

func TestBackends_URL(t *testing.T) {
	for name, s := range backends(t) {
		u, err := s.URL(context.Background(), "runs/r1/A/model")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		want := map[string]string{"local": "file://", "memory": "mem:///runs/r1/A/model"}[name]
		if !strings.HasPrefix(u, want) {
			t.Errorf("%s: expected url starting with %q, got %q", name, want, u)
		}
	}
}

func TestLocal_RejectsEscape(t *testing.T) {
	s, err := local.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Upload(context.Background(), "../outside", strings.NewReader("x")); err == nil {
		t.Error("expected error for path escaping the base directory")
	}
}

func TestNew_Factory(t *testing.T) {
	s, err := storage.New(storage.Config{Provider: storage.ProviderMemory}, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*memory.Storage); !ok {
		t.Errorf("expected memory storage, got %T", s)
	}

	s, err = storage.New(storage.Config{Provider: storage.ProviderLocal, BasePath: t.TempDir()}, logger.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*local.Storage); !ok {
		t.Errorf("expected local storage, got %T", s)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     storage.Config
		wantErr bool
	}{
		{"defaults", storage.Config{}, false},
		{"memory", storage.Config{Provider: "memory"}, false},
		{"s3 ok", storage.Config{Provider: "s3", Bucket: "b"}, false},
		{"s3 no bucket", storage.Config{Provider: "s3"}, true},
		{"s3 half credentials", storage.Config{Provider: "s3", Bucket: "b", AccessKey: "k"}, true},
		{"unknown", storage.Config{Provider: "ftp"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			cfg.ApplyDefaults()
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}
