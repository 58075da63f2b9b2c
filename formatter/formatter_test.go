package formatter

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatter_Format(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 5, 1, 10, 20, 30, 123000000, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "send queue is full",
		Data: logrus.Fields{
			"source":  "relay/server/relay.go:42",
			"peer_id": "alice",
			"conn_id": "abc",
		},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:20:30.123Z WARN [conn_id: abc, peer_id: alice] relay/server/relay.go:42: send queue is full\n", string(out))
}

func TestTextFormatter_FormatWithoutFields(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC),
		Level:   logrus.InfoLevel,
		Message: "started",
		Data:    logrus.Fields{},
	}

	out, err := NewTextFormatter().Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T10:20:30.000Z INFO started\n", string(out))
}
