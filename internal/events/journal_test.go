package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

func sampleEvents() []zwave.Event {
	at := time.Date(2026, 10, 16, 12, 0, 0, 123456789, time.UTC)
	return []zwave.Event{
		{Kind: model.TypeDriverReady, Home: 0xc0ffee, At: at},
		{Kind: model.TypeNodeAdded, Home: 0xc0ffee, Node: 3, At: at},
		{Kind: model.TypeNotification, Home: 0xc0ffee, Node: 4, NotCode: model.CodeDead, At: at},
		{Kind: model.TypeAllNodesQueriedSomeDead, Home: 0xc0ffee, At: at},
	}
}

func TestJournal_ReadBack(t *testing.T) {
	for _, format := range []string{model.JournalFormatJSONL, model.JournalFormatCBOR} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "journal."+format)
			j, err := NewJournal(path, format, 0)
			require.NoError(t, err)

			for _, ev := range sampleEvents() {
				require.NoError(t, j.Append(ev))
			}
			assert.Greater(t, j.Size(), int64(0))
			require.NoError(t, j.Close())
			require.NoError(t, j.Close())

			records, err := ReadJournal(path, format)
			require.NoError(t, err)
			require.Len(t, records, 4)
			for i, rec := range records {
				assert.Equal(t, uint64(i+1), rec.Seq)
			}

			events, err := ReadEvents(path, format)
			require.NoError(t, err)
			want := sampleEvents()
			for i := range want {
				assert.Equal(t, want[i].Kind, events[i].Kind)
				assert.Equal(t, want[i].Node, events[i].Node)
				assert.Equal(t, want[i].NotCode, events[i].NotCode)
				assert.True(t, want[i].At.Equal(events[i].At), "timestamp %d", i)
			}
		})
	}
}

func TestJournal_JSONLUsesSymbolicNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := NewJournal(path, model.JournalFormatJSONL, 0)
	require.NoError(t, err)
	require.NoError(t, j.Append(zwave.Event{Kind: model.TypeDriverReady, Home: 1}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"DriverReady"`)
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	j, err := NewJournal(path, model.JournalFormatJSONL, 300)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(zwave.Event{Kind: model.TypeValueChanged, Node: uint8(i)}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, j.Size(), int64(300))
}

func TestJournal_Checksum(t *testing.T) {
	for _, format := range []string{model.JournalFormatJSONL, model.JournalFormatCBOR} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "journal."+format)
			j, err := NewJournal(path, format, 0)
			require.NoError(t, err)
			j.EnableChecksum(true)
			for _, ev := range sampleEvents() {
				require.NoError(t, j.Append(ev))
			}
			require.NoError(t, j.Close())

			total, valid, err := VerifyJournal(path, format)
			require.NoError(t, err)
			assert.Equal(t, 4, total)
			assert.Equal(t, 4, valid)
		})
	}
}

func TestReadJournal_SkipsMalformedJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	content := `{"seq":1,"event":{"type":"DriverReady","home_id":5,"node_id":0,"at":"2026-10-16T00:00:00Z"}}
not json

{"seq":2,"event":{"type":"Bogus","home_id":5,"node_id":0,"at":"2026-10-16T00:00:00Z"}}
{"seq":3,"event":{"type":"AllNodesQueried","home_id":5,"node_id":0,"at":"2026-10-16T00:00:00Z"}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	records, err := ReadJournal(path, model.JournalFormatJSONL)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.TypeDriverReady, records[0].Event.Kind)
	assert.Equal(t, model.TypeAllNodesQueried, records[1].Event.Kind)
}

func TestNewJournal_RejectsUnknownFormat(t *testing.T) {
	_, err := NewJournal(filepath.Join(t.TempDir(), "j"), "xml", 0)
	assert.Error(t, err)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, model.JournalFormatCBOR, FormatForPath("/x/journal.CBOR"))
	assert.Equal(t, model.JournalFormatJSONL, FormatForPath("/x/journal.jsonl"))
}
