package database

import (
	"strings"
	"testing"
)

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient("not-a-redis-url")
	if err == nil {
		t.Fatal("Expected error for invalid URL")
	}
	if !strings.Contains(err.Error(), "failed to parse Redis URL") {
		t.Fatalf("Unexpected error: %v", err)
	}
}
