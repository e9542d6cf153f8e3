package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0 B", FormatBytes(0))
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", FormatBytes(2*1024*1024*1024))
}

func TestRelTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "N/A", RelTime(now, time.Time{}))
	assert.Equal(t, "N/A", RelTime(now, now.Add(time.Hour)))
	assert.Equal(t, "30s ago", RelTime(now, now.Add(-30*time.Second)))
	assert.Equal(t, "5m ago", RelTime(now, now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", RelTime(now, now.Add(-3*time.Hour)))
	assert.Equal(t, "14d ago", RelTime(now, now.Add(-14*24*time.Hour)))
}
