package probe

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamed0406/connwatch/internal/domain"
)

// fakeServer accepts connections on a loopback port and hands each one to serve.
func fakeServer(t *testing.T, serve func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = c.SetDeadline(time.Now().Add(5 * time.Second))
				serve(c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func checkDB(t *testing.T, engine domain.Engine, port int) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return NewDatabaseDriver("", nil).Check(ctx, domain.DatabaseSpec{Host: "127.0.0.1", Port: port, Engine: engine})
}

func redisReply(reply string) func(net.Conn) {
	return func(c net.Conn) {
		r := bufio.NewReader(c)
		// *1\r\n $4\r\n ping\r\n
		for i := 0; i < 3; i++ {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		io.WriteString(c, reply)
		io.Copy(io.Discard, r)
	}
}

func TestDatabaseDriver_Redis(t *testing.T) {
	t.Run("pong", func(t *testing.T) {
		res := checkDB(t, domain.EngineRedis, fakeServer(t, redisReply("+PONG\r\n")))
		require.NoError(t, res.Err)
		assert.Greater(t, res.Latency, time.Duration(0))
	})
	t.Run("auth required still answers", func(t *testing.T) {
		res := checkDB(t, domain.EngineRedis, fakeServer(t, redisReply("-NOAUTH Authentication required.\r\n")))
		require.NoError(t, res.Err)
	})
	t.Run("garbage reply", func(t *testing.T) {
		res := checkDB(t, domain.EngineRedis, fakeServer(t, redisReply("hello there\r\n")))
		assert.ErrorIs(t, res.Err, ErrProtocol)
	})
}

func readStartup(c net.Conn) bool {
	var size int32
	if err := binary.Read(c, binary.BigEndian, &size); err != nil {
		return false
	}
	_, err := io.CopyN(io.Discard, c, int64(size-4))
	return err == nil
}

func TestDatabaseDriver_Postgres(t *testing.T) {
	t.Run("auth rejection answers", func(t *testing.T) {
		port := fakeServer(t, func(c net.Conn) {
			if !readStartup(c) {
				return
			}
			var body []byte
			body = append(body, 'S')
			body = append(body, "FATAL\x00"...)
			body = append(body, 'C')
			body = append(body, "28000\x00"...)
			body = append(body, 'M')
			body = append(body, "no pg_hba.conf entry for host\x00"...)
			body = append(body, 0)
			msg := []byte{'E', 0, 0, 0, 0}
			binary.BigEndian.PutUint32(msg[1:], uint32(len(body)+4))
			c.Write(append(msg, body...))
		})
		res := checkDB(t, domain.EnginePostgres, port)
		require.NoError(t, res.Err)
	})
	t.Run("unknown message", func(t *testing.T) {
		port := fakeServer(t, func(c net.Conn) {
			if !readStartup(c) {
				return
			}
			c.Write([]byte{'!', 0, 0, 0, 4})
		})
		res := checkDB(t, domain.EnginePostgres, port)
		require.Error(t, res.Err)
		assert.NotErrorIs(t, res.Err, ErrTimeout)
	})
	t.Run("nothing listening", func(t *testing.T) {
		res := checkDB(t, domain.EnginePostgres, closedPort(t))
		assert.ErrorIs(t, res.Err, ErrConnectionRefused)
	})
}

func mysqlPacket(payload []byte) []byte {
	hdr := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), 0}
	return append(hdr, payload...)
}

func TestDatabaseDriver_MySQL(t *testing.T) {
	t.Run("host rejected answers", func(t *testing.T) {
		port := fakeServer(t, func(c net.Conn) {
			payload := append([]byte{0xff, 0x6a, 0x04}, "Host '127.0.0.1' is not allowed to connect"...)
			c.Write(mysqlPacket(payload))
		})
		res := checkDB(t, domain.EngineMySQL, port)
		require.NoError(t, res.Err)
	})
	t.Run("unsupported protocol", func(t *testing.T) {
		port := fakeServer(t, func(c net.Conn) {
			c.Write(mysqlPacket([]byte{0x01, 0x00}))
		})
		res := checkDB(t, domain.EngineMySQL, port)
		assert.ErrorIs(t, res.Err, ErrProtocol)
	})
}

func TestDatabaseDriver_TCPEngine(t *testing.T) {
	port := fakeServer(t, func(c net.Conn) {})
	res := checkDB(t, domain.EngineTCP, port)
	require.NoError(t, res.Err)
}
