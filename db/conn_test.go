package db

import (
	"context"
	"testing"

	"escrowflow/config"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), config.DBConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), "postgres://%zz"); err == nil {
		t.Fatalf("expected parse error")
	}
}
