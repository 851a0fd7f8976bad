package netutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drazic/iperfd/internal/config"
)

func TestAnnounceTCPLoopback(t *testing.T) {
	ln, err := Announce(context.Background(), config.FamilyV4, config.ProtocolTCP, "127.0.0.1", "", 0)
	require.NoError(t, err)
	defer ln.(net.Listener).Close()

	_, ok := ln.(net.Listener)
	assert.True(t, ok)
}

func TestAnnounceUDPLoopback(t *testing.T) {
	pc, err := Announce(context.Background(), config.FamilyV4, config.ProtocolUDP, "127.0.0.1", "", 0)
	require.NoError(t, err)
	defer pc.(net.PacketConn).Close()

	_, ok := pc.(net.PacketConn)
	assert.True(t, ok)
}

func TestResolveHostPrefersDualStackWhenUnspecified(t *testing.T) {
	host, dual := resolveHost(config.FamilyUnspecified, "")
	assert.Equal(t, "::", host)
	assert.True(t, dual)
}

func TestResolveHostHonorsExplicitAddr(t *testing.T) {
	host, dual := resolveHost(config.FamilyUnspecified, "192.0.2.1")
	assert.Equal(t, "192.0.2.1", host)
	assert.False(t, dual)
}

func TestResolveHostV4FamilyNoDualStack(t *testing.T) {
	host, dual := resolveHost(config.FamilyV4, "")
	assert.Equal(t, "0.0.0.0", host)
	assert.False(t, dual)
}
