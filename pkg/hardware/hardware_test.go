package hardware

import (
	"context"
	"runtime"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	facts, err := NewCollector(log, t.TempDir()).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, runtime.GOOS, facts.OS)
	assert.NotEmpty(t, facts.Arch)
	assert.Greater(t, facts.CPUThreads, 0)
	assert.Greater(t, facts.MemoryGB, 0.0)
	assert.NotEmpty(t, facts.DiskTotal)
}
