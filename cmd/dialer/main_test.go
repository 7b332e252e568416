package main

import (
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

type step struct {
	name  string
	steps *[]string
}

func (s step) Stop() { *s.steps = append(*s.steps, s.name) }

func (s step) Close() error {
	*s.steps = append(*s.steps, s.name)
	return nil
}

func TestShutdownStopsSessionBeforeTransport(t *testing.T) {
	var steps []string
	shutdown(step{"session", &steps}, step{"signals", &steps})
	assert.Equal(t, []string{"session", "signals"}, steps)
}

func TestChatForIsStablePerPair(t *testing.T) {
	assert.Equal(t, domain.ChatID("direct:alice:bob"), chatFor("", "alice", "bob"))
	assert.Equal(t, domain.ChatID("direct:alice:bob"), chatFor("", "bob", "alice"))
	assert.Equal(t, domain.ChatID("team"), chatFor("team", "bob", "alice"))
}

func TestDescribe(t *testing.T) {
	err := &domain.MediaAcquisitionError{Reason: domain.MediaNoDevice, Kind: domain.MediaVideo}
	assert.Equal(t, "could not open video devices (no-device)", describe(err))
	assert.Equal(t, "no answer", describe(domain.ErrCallTimeout))
}
