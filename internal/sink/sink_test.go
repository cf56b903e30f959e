package sink_test

import (
	"io"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/fieldlogd/internal/errors"
	"codeberg.org/mutker/fieldlogd/internal/sink"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mountedSink(t *testing.T) (*sink.Sink, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/data", 0o755))

	return sink.NewWithClock(fs, "/mnt/data", func() time.Time { return testDay }), fs
}

func TestEnsureOpenMediumAbsent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := sink.New(fs, "/mnt/data")

	err := s.EnsureOpen()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrMediumAbsent))
	assert.False(t, s.Open())
}

func TestEnsureOpenIdempotent(t *testing.T) {
	s, _ := mountedSink(t)

	require.NoError(t, s.EnsureOpen())
	require.NoError(t, s.EnsureOpen())
	assert.True(t, s.Open())
}

func TestAppendCreatesFileWithHeader(t *testing.T) {
	s, fs := mountedSink(t)

	require.NoError(t, s.Append("timestamp,temp,hum", "2024-05-01 12:00:00,21.5,48.2"))
	require.NoError(t, s.Append("timestamp,temp,hum", "2024-05-01 12:01:00,21.6,48.0"))

	data, err := afero.ReadFile(fs, "/mnt/data/data_20240501.csv")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3, "Expected one header line and two record lines")
	assert.Equal(t, "timestamp,temp,hum", lines[0], "Expected header written exactly once")
	assert.Equal(t, "2024-05-01 12:00:00,21.5,48.2", lines[1])
	assert.Equal(t, uint32(2), s.DataPointCount())
}

func TestAppendReadOnlyMedium(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/data", 0o755))

	s := sink.NewWithClock(afero.NewReadOnlyFs(fs), "/mnt/data", func() time.Time { return testDay })

	err := s.Append("h", "r")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTransientIO))
}

func TestListFiles(t *testing.T) {
	s, fs := mountedSink(t)

	require.NoError(t, afero.WriteFile(fs, "/mnt/data/data_20240430.csv", []byte("h\nr\n"), 0o644))
	require.NoError(t, s.Append("h", "r"))

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	names := []string{files[0].Name, files[1].Name}
	assert.Contains(t, names, "data_20240430.csv")
	assert.Contains(t, names, "data_20240501.csv")
}

func TestReadFileRejectsParentSegments(t *testing.T) {
	s, _ := mountedSink(t)

	for _, name := range []string{"../etc/passwd", "a/../../b.csv", ".."} {
		_, err := s.ReadFile(name)
		require.Error(t, err, "Expected rejection for %q", name)
		assert.Contains(t, err.Error(), "invalid_file_name")
	}
}

func TestStreamFileRejectsParentSegments(t *testing.T) {
	s, _ := mountedSink(t)

	_, err := s.StreamFile("../state.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_file_name")
}

func TestStreamFile(t *testing.T) {
	s, _ := mountedSink(t)

	require.NoError(t, s.Append("h", "r1"))

	r, err := s.StreamFile("data_20240501.csv")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "h\nr1\n", string(data))
}

func TestHealthy(t *testing.T) {
	s, _ := mountedSink(t)

	assert.False(t, s.Healthy(), "Unmounted sink is not healthy")

	require.NoError(t, s.EnsureOpen())
	assert.True(t, s.Healthy())
}

func TestCountDataPointsAtMount(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/mnt/data", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/mnt/data/data_20240430.csv",
		[]byte("header\nr1\nr2\nr3\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/mnt/data/notes.txt",
		[]byte("ignored\n"), 0o644))

	s := sink.New(fs, "/mnt/data")
	require.NoError(t, s.EnsureOpen())
	assert.Equal(t, uint32(3), s.DataPointCount(), "Expected header excluded and non-data files ignored")
}
