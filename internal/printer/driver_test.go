package printer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/labelfleet/internal/config"
)

func newTestDriver(cfg config.PrinterConfig) *Driver {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPrepareInsertsMissingMarkers(t *testing.T) {
	d := newTestDriver(config.PrinterConfig{})

	got := d.Prepare("^FDhello^FS")
	assert.True(t, strings.HasPrefix(got, "^XA"))
	assert.True(t, strings.HasSuffix(got, "^XZ"))

	// Well-formed content passes through untouched.
	assert.Equal(t, "^XA\n^FDhello^FS\n^XZ", d.Prepare("^XA\n^FDhello^FS\n^XZ"))
}

func TestPrepareNoOverrideWhenDisabled(t *testing.T) {
	d := newTestDriver(config.PrinterConfig{OverrideEnabled: false, Darkness: 20, Speed: 6})

	content := "^XA\n~SD10\n^PR2\n^FDx^FS\n^XZ"
	assert.Equal(t, content, d.Prepare(content))
}

func TestPrepareOverridesDarknessAndSpeed(t *testing.T) {
	d := newTestDriver(config.PrinterConfig{OverrideEnabled: true, Darkness: 20, Speed: 6})

	got := d.Prepare("^XA\n~SD10\n^PR2\n^FDx^FS\n^XZ")

	assert.Equal(t, 1, strings.Count(got, "~SD"), "exactly one darkness directive")
	assert.Equal(t, 1, strings.Count(got, "^PR"), "exactly one speed directive")
	assert.Contains(t, got, "~SD20")
	assert.Contains(t, got, "^PR6")
	assert.NotContains(t, got, "~SD10")
	assert.NotContains(t, got, "^PR2")

	// The directives land immediately after the start marker.
	idx := strings.Index(got, "^XA")
	require.GreaterOrEqual(t, idx, 0)
	assert.True(t, strings.HasPrefix(got[idx:], "^XA\n~SD20\n^PR6"))
}

func TestPrepareOverrideInsertsWhenAbsent(t *testing.T) {
	d := newTestDriver(config.PrinterConfig{OverrideEnabled: true, Darkness: 5, Speed: 3})

	got := d.Prepare("^XA\n^FDx^FS\n^XZ")
	assert.Contains(t, got, "~SD05")
	assert.Contains(t, got, "^PR3")
}

func TestPrintWritesToConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lp0")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	d := newTestDriver(config.PrinterConfig{DevicePath: path})
	require.NoError(t, d.Print(context.Background(), "^XA\n^FDhello^FS\n^XZ"))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "^FDhello^FS")
}

func TestPrintFallsBackWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "lp1")
	require.NoError(t, os.WriteFile(fallback, nil, 0o644))

	d := newTestDriver(config.PrinterConfig{
		DevicePath:    filepath.Join(dir, "does-not-exist"),
		FallbackPaths: []string{fallback},
	})
	require.NoError(t, d.Print(context.Background(), "^XA^FDx^FS^XZ"))

	written, err := os.ReadFile(fallback)
	require.NoError(t, err)
	assert.NotEmpty(t, written)
}

func TestPrintRejectsEmptyContent(t *testing.T) {
	d := newTestDriver(config.PrinterConfig{})
	assert.Error(t, d.Print(context.Background(), "   "))
}
