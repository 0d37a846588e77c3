package udpport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickThenDial(t *testing.T) {
	port, err := Pick()
	require.NoError(t, err)
	assert.Greater(t, port, 0)

	conn, got, err := Listen()
	require.NoError(t, err)
	defer conn.Close()

	out, err := Dial(got)
	require.NoError(t, err)
	defer out.Close()

	_, err = out.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
