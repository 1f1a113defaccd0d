package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/common"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/interfaces"
	"github.com/llathrop/ansible-simpleweb-sub000/internal/services/events"
)

func newTestBroker(t *testing.T) (*Broker, string) {
	t.Helper()

	dir := t.TempDir()
	broker, err := NewBroker(&common.LogStoreConfig{Dir: dir}, events.NewService(arbor.NewLogger()), arbor.NewLogger())
	require.NoError(t, err)
	return broker, dir
}

func TestStreamBuildsPartialArtifact(t *testing.T) {
	broker, dir := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "header\n", false))
	require.NoError(t, broker.Stream("job-1", "w1", "line 1\n", true))
	require.NoError(t, broker.Stream("job-1", "w1", "line 2\n", true))

	data, err := os.ReadFile(filepath.Join(dir, "partial-job-1.log"))
	require.NoError(t, err)
	assert.Equal(t, "header\nline 1\nline 2\n", string(data))

	// append=false restarts the artifact
	require.NoError(t, broker.Stream("job-1", "w1", "fresh\n", false))
	data, err = os.ReadFile(filepath.Join(dir, "partial-job-1.log"))
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))
}

func TestSubscriberReceivesCatchUpThenLive(t *testing.T) {
	broker, _ := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "early output\n", false))

	ch, cancel, err := broker.Subscribe("job-1")
	require.NoError(t, err)
	defer cancel()

	// First payload replays everything streamed so far
	first := <-ch
	assert.Equal(t, "early output\n", first.Content)
	assert.False(t, first.Final)

	require.NoError(t, broker.Stream("job-1", "w1", "live line\n", true))
	second := <-ch
	assert.Equal(t, "live line\n", second.Content)
}

func TestSubscriberOrderHasNoGapOrOverlap(t *testing.T) {
	broker, _ := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "chunk-0|", false))

	ch, cancel, err := broker.Subscribe("job-1")
	require.NoError(t, err)
	defer cancel()

	for i := 1; i <= 5; i++ {
		require.NoError(t, broker.Stream("job-1", "w1", fmt.Sprintf("chunk-%d|", i), true))
	}
	require.NoError(t, broker.Finalize("job-1", "site_12345678_20240101-120000.log", ""))

	var assembled string
	for chunk := range ch {
		assembled += chunk.Content
	}
	assert.Equal(t, "chunk-0|chunk-1|chunk-2|chunk-3|chunk-4|chunk-5|", assembled)
}

func TestFinalizePromotesPartial(t *testing.T) {
	broker, dir := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "all output\n", false))
	require.NoError(t, broker.Finalize("job-1", "deploy_abcdef12_20240101-120000.log", ""))

	_, err := os.Stat(filepath.Join(dir, "partial-job-1.log"))
	assert.True(t, os.IsNotExist(err))

	content, err := broker.Read("deploy_abcdef12_20240101-120000.log")
	require.NoError(t, err)
	assert.Equal(t, "all output\n", content)
}

func TestFinalizePrefersProvidedContent(t *testing.T) {
	broker, _ := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "streamed\n", false))
	require.NoError(t, broker.Finalize("job-1", "final.log", "authoritative copy\n"))

	content, err := broker.Read("final.log")
	require.NoError(t, err)
	assert.Equal(t, "authoritative copy\n", content)
}

func TestLateSubscriberAfterFinalizeGetsFullLog(t *testing.T) {
	broker, _ := newTestBroker(t)

	require.NoError(t, broker.Stream("job-1", "w1", "everything\n", false))
	require.NoError(t, broker.Finalize("job-1", "done.log", ""))

	ch, cancel, err := broker.Subscribe("job-1")
	require.NoError(t, err)
	defer cancel()

	first := <-ch
	assert.Equal(t, "everything\n", first.Content)
	assert.True(t, first.Final)

	_, open := <-ch
	assert.False(t, open)
}

func TestReadRejectsEscapingNames(t *testing.T) {
	broker, _ := newTestBroker(t)

	for _, name := range []string{"../secret", "a/b.log", "..", ""} {
		_, err := broker.Read(name)
		assert.Error(t, err, "name %q must be rejected", name)
	}

	_, err := broker.Read("missing.log")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
