package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s.Get())

	want := Settings{Source: "feeder", ColorMode: "gray", Resolution: 200, Duplex: true, Transfer: TransferJPEG, JPEGQuality: 80}
	require.NoError(t, s.Update(want))
	assert.Equal(t, want, s.Get())

	_, err = os.Stat(filepath.Join(dir, "settings.json.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file renamed away")

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, want, reopened.Get())
}

func TestStore_RejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	bad := DefaultSettings()
	bad.Transfer = "png"
	assert.Error(t, s.Update(bad))
	assert.Equal(t, DefaultSettings(), s.Get())
}

func TestStore_InvalidFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{not json"), 0644))
	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s.Get())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"colorMode":"sepia"}`), 0644))
	s, err = NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s.Get())
}

func TestStore_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(`{"resolution":600}`), 0644))
	s, err := NewStore(dir)
	require.NoError(t, err)
	got := s.Get()
	assert.Equal(t, 600, got.Resolution)
	assert.Equal(t, "color", got.ColorMode)
	assert.Equal(t, TransferRaw, got.Transfer)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		ok     bool
	}{
		{"defaults", func(*Settings) {}, true},
		{"transparency", func(s *Settings) { s.Source = "transparency" }, true},
		{"bad source", func(s *Settings) { s.Source = "camera" }, false},
		{"bad mode", func(s *Settings) { s.ColorMode = "auto" }, false},
		{"negative resolution", func(s *Settings) { s.Resolution = -1 }, false},
		{"quality too high", func(s *Settings) { s.JPEGQuality = 101 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			if tt.ok {
				assert.NoError(t, s.Validate())
			} else {
				assert.Error(t, s.Validate())
			}
		})
	}
}
