package session

import (
	"context"
	"testing"
)

func TestNewStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default is memory", cfg: Config{}},
		{name: "memory", cfg: Config{Provider: "memory"}},
		{name: "redis without connection string", cfg: Config{Provider: "redis"}, wantErr: true},
		{name: "unsupported", cfg: Config{Provider: "cookie"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store, err := NewStore(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if _, ok := store.(*MemoryStore); !ok {
				t.Fatalf("expected memory store, got %T", store)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("expected close without error, got %v", err)
			}
		})
	}
}
