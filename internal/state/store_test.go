package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prefsync/prefsync/internal/clock"
	"github.com/prefsync/prefsync/internal/storage"
)

var testDefaults = map[string]json.RawMessage{
	"theme":  json.RawMessage(`"light"`),
	"locale": json.RawMessage(`"en"`),
}

func newTestStore(t *testing.T, store storage.Store, fake *clock.Fake) *Store {
	t.Helper()
	if fake == nil {
		fake = clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	}
	return NewStore(Config{
		Store:     store,
		Namespace: "test",
		Defaults:  testDefaults,
		Clock:     fake,
	})
}

func TestGetFallsBackToDefault(t *testing.T) {
	s := newTestStore(t, nil, nil)
	assert.Equal(t, json.RawMessage(`"light"`), s.Get("theme", nil))
	assert.Equal(t, json.RawMessage(`42`), s.Get("missing", json.RawMessage(`42`)))
}

func TestSetAndDirtyTracking(t *testing.T) {
	s := newTestStore(t, nil, nil)

	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))
	assert.Equal(t, json.RawMessage(`"dark"`), s.Get("theme", nil))
	assert.True(t, s.IsLocallyModified("theme"))

	s.MarkSynced("theme")
	assert.False(t, s.IsLocallyModified("theme"))

	require.NoError(t, s.Set("theme", json.RawMessage(`"solar"`), false))
	require.NoError(t, s.Set("theme", json.RawMessage(`"sepia"`), true))
	assert.False(t, s.IsLocallyModified("theme"), "remote write supersedes the local edit")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))
	require.NoError(t, s.Set("fontSize", json.RawMessage(`14`), false))
	require.NoError(t, s.Save())

	fresh := newTestStore(t, mem, nil)
	require.NoError(t, fresh.Load())
	assert.Equal(t, s.Fields(), fresh.Fields())
}

func TestLoadRecoversFromMalformedDocument(t *testing.T) {
	mem := storage.NewMemory(0)
	require.NoError(t, mem.Set("test:state", `{"version":1,"fields":`))

	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Load(), "corruption must not surface as an error")
	assert.Equal(t, json.RawMessage(`"light"`), s.Get("theme", nil), "state reset to defaults")

	backups := s.BackupKeys()
	require.Len(t, backups, 1, "corrupted original must be backed up")
	raw, ok, err := mem.Get(backups[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"version":1,"fields":`, raw)
}

func TestLoadRejectsFutureVersionWholesale(t *testing.T) {
	mem := storage.NewMemory(0)
	future := fmt.Sprintf(`{"version":%d,"fields":{"theme":"\"hacked\""},"timestamp":1}`, SchemaVersion+1)
	require.NoError(t, mem.Set("test:state", future))

	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Load())
	assert.Equal(t, json.RawMessage(`"light"`), s.Get("theme", nil), "no partial apply from a future version")
	assert.Len(t, s.BackupKeys(), 1)
}

func TestLoadDetectsChecksumMismatch(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))
	require.NoError(t, s.Save())

	raw, ok, err := mem.Get("test:state")
	require.NoError(t, err)
	require.True(t, ok)
	tampered := []byte(raw)
	// Flip a byte inside the document body.
	for i := range tampered {
		if tampered[i] == 'd' {
			tampered[i] = 'x'
			break
		}
	}
	require.NoError(t, mem.Set("test:state", string(tampered)))

	fresh := newTestStore(t, mem, nil)
	require.NoError(t, fresh.Load())
	assert.Equal(t, json.RawMessage(`"light"`), fresh.Get("theme", nil))
}

func TestValidatorsDropInvalidFieldsKeepRest(t *testing.T) {
	rules := NewRuleSet()
	require.NoError(t, rules.AddRule("fontSize", "value >= 8 && value <= 72"))

	mem := storage.NewMemory(0)
	s := NewStore(Config{Store: mem, Namespace: "test", Defaults: testDefaults, Rules: rules})

	assert.ErrorIs(t, s.Set("fontSize", json.RawMessage(`500`), false), ErrValidation)
	require.NoError(t, s.Set("fontSize", json.RawMessage(`14`), false))

	// Invalid remote values are dropped silently.
	require.NoError(t, s.Set("fontSize", json.RawMessage(`999`), true))
	assert.Equal(t, json.RawMessage(`14`), s.Get("fontSize", nil))
}

func TestLoadDropsInvalidPersistedFields(t *testing.T) {
	mem := storage.NewMemory(0)
	writer := newTestStore(t, mem, nil)
	require.NoError(t, writer.Set("fontSize", json.RawMessage(`500`), false))
	require.NoError(t, writer.Set("theme", json.RawMessage(`"dark"`), false))
	require.NoError(t, writer.Save())

	rules := NewRuleSet()
	require.NoError(t, rules.AddRule("fontSize", "value >= 8 && value <= 72"))
	reader := NewStore(Config{Store: mem, Namespace: "test", Defaults: testDefaults, Rules: rules})
	require.NoError(t, reader.Load())

	assert.Nil(t, reader.Get("fontSize", nil), "invalid field dropped")
	assert.Equal(t, json.RawMessage(`"dark"`), reader.Get("theme", nil), "valid fields kept")
}

func TestSizeCeilingTrimsOldestFirst(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemory(0)
	s := NewStore(Config{
		Store:       mem,
		Namespace:   "test",
		SizeCeiling: 700,
		Clock:       fake,
	})

	big := json.RawMessage(`"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"`)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("blob%d", i)
		require.NoError(t, s.Set(key, big, false))
		fake.Advance(time.Second)
	}
	require.NoError(t, s.Save())

	fields := s.Fields()
	assert.Less(t, len(fields), 5, "some fields must have been trimmed")
	_, newestKept := fields["blob4"]
	assert.True(t, newestKept, "newest field survives trimming")
	if len(fields) < 5 {
		_, oldestKept := fields["blob0"]
		assert.False(t, oldestKept, "oldest field trimmed first")
	}
}

func TestSaveSingleFlightCoalesces(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Save()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	fresh := newTestStore(t, mem, nil)
	require.NoError(t, fresh.Load())
	assert.Equal(t, json.RawMessage(`"dark"`), fresh.Get("theme", nil))
}

func TestSaveRetriesTransientWriteFailures(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, fake)
	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))

	mem.FailWrites(2)
	require.NoError(t, s.Save(), "two transient failures fit inside the retry budget")
	assert.NotEmpty(t, fake.Slept(), "retries must back off")

	mem.FailWrites(5)
	assert.Error(t, s.Save(), "exhausted retries surface the error")
}

func TestRecoverWithFallbackIsExplicitlyCallable(t *testing.T) {
	mem := storage.NewMemory(0)
	s := newTestStore(t, mem, nil)
	require.NoError(t, s.Set("theme", json.RawMessage(`"dark"`), false))
	require.NoError(t, s.Save())

	require.NoError(t, s.RecoverWithFallback())
	assert.Equal(t, json.RawMessage(`"light"`), s.Get("theme", nil))
	assert.Len(t, s.BackupKeys(), 1)
}
