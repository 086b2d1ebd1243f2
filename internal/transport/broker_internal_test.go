package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicLayout(t *testing.T) {
	assert.Equal(t, "labelfleet:dev:d1:in", inboundTopic("d1"))
	assert.Equal(t, "labelfleet:dev:d1:out", outboundTopic("d1"))
	assert.Equal(t, "labelfleet:dev:d1:presence", presenceKey("d1"))
	assert.Equal(t, "d1", deviceFromTopic("labelfleet:dev:d1:out"))
	assert.Equal(t, "dock-7", deviceFromTopic(outboundTopic("dock-7")))
}
