package adbdevice

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"io"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pgaskin/go-adbwire/adb/adbkey"
	"github.com/pgaskin/go-adbwire/adb/adbproto"
	"github.com/pgaskin/go-adbwire/adb/adbproto/aproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const sailfish = "device::ro.product.name=sailfish;ro.product.model=Pixel;features=shell_v2,stat_v2;"

// fakeDevice is the adbd end of a net.Pipe.
type fakeDevice struct {
	nc   net.Conn
	conn *aproto.Conn
	pkts chan aproto.Packet
}

func newFakeDevice(t *testing.T) (*fakeDevice, net.Conn) {
	host, dev := net.Pipe()
	d := &fakeDevice{
		nc:   dev,
		conn: aproto.New(dev),
		pkts: make(chan aproto.Packet, 1024),
	}
	go func() {
		defer close(d.pkts)
		for {
			msg, data, ok := d.conn.Read()
			if !ok {
				return
			}
			d.pkts <- aproto.Packet{Message: msg, Payload: slices.Clone(data)}
		}
	}()
	t.Cleanup(func() { dev.Close() })
	return d, host
}

func (d *fakeDevice) Send(t *testing.T, cmd aproto.Command, arg0, arg1 uint32, data []byte) {
	t.Helper()
	require.True(t, d.conn.Write(cmd, arg0, arg1, data), "device write: %v", d.conn.Error())
}

func (d *fakeDevice) Next(t *testing.T) aproto.Packet {
	t.Helper()
	select {
	case pkt, ok := <-d.pkts:
		require.True(t, ok, "host disconnected")
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a packet")
		panic("unreachable")
	}
}

func (d *fakeDevice) Expect(t *testing.T, cmd aproto.Command, arg0, arg1 uint32) aproto.Packet {
	t.Helper()
	pkt := d.Next(t)
	require.Equal(t, cmd, pkt.Command, "packet %s(%d, %d)", pkt.Command, pkt.Arg0, pkt.Arg1)
	assert.Equal(t, arg0, pkt.Arg0, "%s arg0", cmd)
	assert.Equal(t, arg1, pkt.Arg1, "%s arg1", cmd)
	return pkt
}

func (d *fakeDevice) None(t *testing.T) {
	t.Helper()
	select {
	case pkt, ok := <-d.pkts:
		if ok {
			t.Fatalf("unexpected packet %s(%d, %d) %q", pkt.Command, pkt.Arg0, pkt.Arg1, pkt.Payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// Accept completes the handshake.
func (d *fakeDevice) Accept(t *testing.T, maxPayload uint32, banner string) {
	t.Helper()
	d.Send(t, aproto.A_CNXN, aproto.Version, maxPayload, []byte(banner))
	d.conn.Negotiate(aproto.Version, maxPayload)
}

func testKeys(t *testing.T) (*adbkey.MemoryStore, []byte) {
	buf, err := os.ReadFile("testdata/adbkey")
	require.NoError(t, err)
	der, err := adbkey.Decode(buf)
	require.NoError(t, err)
	var s adbkey.MemoryStore
	require.NoError(t, s.Add(der))
	return &s, der
}

// connect connects to a fake device which accepts the connection without
// authentication.
func connect(t *testing.T, ctx context.Context, cfg *Config, maxPayload uint32) (*Conn, *fakeDevice) {
	t.Helper()
	d, host := newFakeDevice(t)

	var c *Conn
	var g errgroup.Group
	g.Go(func() (err error) {
		c, err = Connect(ctx, host, cfg)
		return err
	})

	cnxn := d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)
	assert.True(t, strings.HasPrefix(string(cnxn.Payload), "host::features="), "banner %q", cnxn.Payload)
	d.Accept(t, maxPayload, sailfish)

	require.NoError(t, g.Wait())
	t.Cleanup(func() { c.Close() })
	return c, d
}

// open opens a socket, acting as the device.
func open(t *testing.T, c *Conn, d *fakeDevice, svc string, remote uint32) (*Socket, uint32) {
	t.Helper()
	var conn net.Conn
	var g errgroup.Group
	g.Go(func() (err error) {
		conn, err = c.DialADB(context.Background(), svc)
		return err
	})
	pkt := d.Next(t)
	require.Equal(t, aproto.A_OPEN, pkt.Command)
	assert.Equal(t, svc, string(pkt.Payload))
	assert.Zero(t, pkt.Arg1)
	d.Send(t, aproto.A_OKAY, remote, pkt.Arg0, nil)
	require.NoError(t, g.Wait())
	return conn.(*Socket), pkt.Arg0
}

func TestConnect(t *testing.T) {
	c, _ := connect(t, context.Background(), nil, aproto.MaxPayloadSize)

	s := c.State()
	assert.Equal(t, uint32(0x01000001), s.ProtocolVersion)
	assert.Equal(t, uint32(aproto.MaxPayloadSize), s.MaxPayloadSize)
	assert.False(t, s.Checksum)
	assert.False(t, s.NullTerminateService)
	assert.Equal(t, "sailfish", s.Banner.Product())
	assert.Equal(t, "Pixel", s.Banner.Model())
	assert.Equal(t, map[string]struct{}{"shell_v2": {}, "stat_v2": {}}, s.Banner.Features)

	assert.True(t, c.SupportsFeature(adbproto.FeatureShell2))
	assert.True(t, c.SupportsFeature(adbproto.FeatureStat2))
	assert.False(t, c.SupportsFeature(adbproto.FeatureLs2))
	assert.ElementsMatch(t, []adbproto.Feature{adbproto.FeatureShell2, adbproto.FeatureStat2}, slices.Collect(c.Features()))

	s.Banner.Features["ls_v2"] = struct{}{}
	assert.False(t, c.SupportsFeature(adbproto.FeatureLs2), "state should be a copy")
}

func TestConnectFeatures(t *testing.T) {
	c, _ := connect(t, context.Background(), &Config{
		Features: []adbproto.Feature{adbproto.FeatureStat2},
	}, aproto.MaxPayloadSize)
	assert.True(t, c.SupportsFeature(adbproto.FeatureStat2))
	assert.False(t, c.SupportsFeature(adbproto.FeatureShell2), "we didn't advertise it")

	cfg := &Config{Features: []adbproto.Feature{adbproto.FeatureShell2, adbproto.FeatureStat2}}
	assert.Equal(t, "host::features=shell_v2,stat_v2;", cfg.banner())
}

func TestConnectAuth(t *testing.T) {
	keys, der := testKeys(t)
	n, _, err := aproto.ParsePrivateKey(der)
	require.NoError(t, err)
	pub := &rsa.PublicKey{N: n, E: 65537}

	token := func(b byte) []byte {
		return bytes.Repeat([]byte{b}, aproto.AuthTokenSize)
	}

	t.Run("Signature", func(t *testing.T) {
		d, host := newFakeDevice(t)
		var g errgroup.Group
		g.Go(func() error {
			c, err := Connect(context.Background(), host, &Config{Keys: keys})
			if err == nil {
				c.Close()
			}
			return err
		})
		d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)

		d.Send(t, aproto.A_AUTH, aproto.AuthToken, 0, token(1))
		pkt := d.Expect(t, aproto.A_AUTH, aproto.AuthSignature, 0)
		assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA1, token(1), pkt.Payload))

		d.Accept(t, aproto.MaxPayloadSize, sailfish)
		require.NoError(t, g.Wait())
	})

	t.Run("Exhausted", func(t *testing.T) {
		d, host := newFakeDevice(t)
		var g errgroup.Group
		g.Go(func() error {
			_, err := Connect(context.Background(), host, &Config{
				Keys: keys,
				Authenticators: []Authenticator{
					SignatureAuthenticator{},
					PublicKeyAuthenticator{Name: "test@host"},
				},
			})
			return err
		})
		d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)

		d.Send(t, aproto.A_AUTH, aproto.AuthToken, 0, token(1))
		d.Expect(t, aproto.A_AUTH, aproto.AuthSignature, 0)

		d.Send(t, aproto.A_AUTH, aproto.AuthToken, 0, token(2))
		pkt := d.Expect(t, aproto.A_AUTH, aproto.AuthRSAPublicKey, 0)
		require.NotEmpty(t, pkt.Payload)
		assert.Zero(t, pkt.Payload[len(pkt.Payload)-1], "public key is nul-terminated")
		key, name, err := aproto.ParsePublicKey(pkt.Payload)
		require.NoError(t, err)
		assert.Equal(t, "test@host", name)
		assert.Equal(t, 0, aproto.GoPublicKey(key).N.Cmp(n))

		d.Send(t, aproto.A_AUTH, aproto.AuthToken, 0, token(3))
		assert.ErrorIs(t, g.Wait(), ErrAuthExhausted)
	})

	t.Run("GenerateKey", func(t *testing.T) {
		var empty adbkey.MemoryStore
		d, host := newFakeDevice(t)
		var g errgroup.Group
		g.Go(func() error {
			c, err := Connect(context.Background(), host, &Config{Keys: &empty})
			if err == nil {
				c.Close()
			}
			return err
		})
		d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)

		d.Send(t, aproto.A_AUTH, aproto.AuthToken, 0, token(1))
		d.Expect(t, aproto.A_AUTH, aproto.AuthRSAPublicKey, 0)

		d.Accept(t, aproto.MaxPayloadSize, sailfish)
		require.NoError(t, g.Wait())

		var keys int
		for _, err := range empty.Keys() {
			require.NoError(t, err)
			keys++
		}
		assert.Equal(t, 1, keys, "a key should have been generated")
	})
}

func TestConnectCanceled(t *testing.T) {
	d, host := newFakeDevice(t)
	ctx, cancel := context.WithCancel(context.Background())

	var g errgroup.Group
	g.Go(func() error {
		_, err := Connect(ctx, host, nil)
		return err
	})
	d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)
	cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)
}

func TestDial(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:id", 100)
	assert.Equal(t, "shell:id", s.Service())
	assert.False(t, s.Incoming())
	assert.Equal(t, Addr{Service: "shell:id", Local: local, Remote: 100}, s.LocalAddr())

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.Write([]byte("hello"))
		return err
	})
	pkt := d.Expect(t, aproto.A_WRTE, local, 100)
	assert.Equal(t, "hello", string(pkt.Payload))
	d.Send(t, aproto.A_OKAY, 100, local, nil)
	require.NoError(t, g.Wait())

	d.Send(t, aproto.A_WRTE, 100, local, []byte("world"))
	d.Expect(t, aproto.A_OKAY, local, 100)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	d.Send(t, aproto.A_CLSE, 100, local, nil)
	d.Expect(t, aproto.A_CLSE, local, 100) // echoed since we didn't close it

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.Close())
	d.None(t)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrSocketClosed)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestChecksumIgnored(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:id", 100)

	// newer adbd may leave garbage in the checksum field
	pkt := aproto.NewPacket(aproto.A_WRTE, 100, local, []byte("hi"), false)
	pkt.DataCheck = 7
	raw, err := pkt.MarshalBinary()
	require.NoError(t, err)
	_, err = d.nc.Write(raw)
	require.NoError(t, err)
	d.Expect(t, aproto.A_OKAY, local, 100)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
	assert.NoError(t, c.Err())
}

func TestDialNullTerminated(t *testing.T) {
	d, host := newFakeDevice(t)
	var c *Conn
	var g errgroup.Group
	g.Go(func() (err error) {
		c, err = Connect(context.Background(), host, nil)
		return err
	})
	d.Expect(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize)
	d.Send(t, aproto.A_CNXN, aproto.VersionMin, aproto.MaxPayloadSizeV1, []byte(sailfish))
	require.NoError(t, g.Wait())
	defer c.Close()

	assert.True(t, c.State().Checksum)
	assert.True(t, c.State().NullTerminateService)
	assert.Equal(t, uint32(aproto.MaxPayloadSizeV1), c.State().MaxPayloadSize)

	g.Go(func() error {
		_, err := c.DialADB(context.Background(), "sync:")
		return err
	})
	pkt := d.Next(t)
	require.Equal(t, aproto.A_OPEN, pkt.Command)
	assert.Equal(t, "sync:\x00", string(pkt.Payload))
	assert.NotZero(t, pkt.DataCheck, "checksum should be sent")
	d.Send(t, aproto.A_OKAY, 1, pkt.Arg0, nil)
	require.NoError(t, g.Wait())

	_, err := c.DialADB(context.Background(), strings.Repeat("x", aproto.MaxPayloadSizeV1))
	assert.ErrorIs(t, err, aproto.ErrPayloadTooLarge)
	assert.NoError(t, c.Err(), "an oversized service shouldn't break the connection")
}

func TestDialOpenFailed(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)

	var sockets []*Socket
	seen := map[uint32]bool{}
	for i := range 4 {
		s, local := open(t, c, d, "shell:", uint32(100+i))
		assert.NotZero(t, local)
		assert.False(t, seen[local], "local id %d reused", local)
		seen[local] = true
		sockets = append(sockets, s)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.DialADB(context.Background(), "nope:")
		return err
	})
	pkt := d.Next(t)
	require.Equal(t, aproto.A_OPEN, pkt.Command)
	require.Equal(t, uint32(5), pkt.Arg0)
	d.Send(t, aproto.A_CLSE, 0, 5, nil)

	err := g.Wait()
	assert.ErrorIs(t, err, ErrOpenFailed)
	assert.ErrorContains(t, err, "nope:")
	d.None(t)

	// other sockets are unaffected
	require.NoError(t, c.Err())
	for i, s := range sockets {
		d.Send(t, aproto.A_WRTE, uint32(100+i), s.r.Local, []byte{byte(i)})
		d.Expect(t, aproto.A_OKAY, s.r.Local, uint32(100+i))
		buf := make([]byte, 1)
		_, err := s.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, byte(i), buf[0])
	}

	// ids are never reused
	s, local := open(t, c, d, "shell:", 200)
	assert.Equal(t, uint32(6), local)
	assert.NotNil(t, s)
}

func TestDialCanceled(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		_, err := c.DialADB(ctx, "shell:")
		return err
	})
	pkt := d.Next(t)
	require.Equal(t, aproto.A_OPEN, pkt.Command)
	cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)

	// the device accepts it late, so we close it
	d.Send(t, aproto.A_OKAY, 300, pkt.Arg0, nil)
	d.Expect(t, aproto.A_CLSE, pkt.Arg0, 300)
	d.Send(t, aproto.A_CLSE, 300, pkt.Arg0, nil)
	d.None(t)
	assert.NoError(t, c.Err())
}

func TestSocketClose(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)

	require.NoError(t, s.Close())
	d.Expect(t, aproto.A_CLSE, local, 100)
	require.NoError(t, s.Close())
	d.None(t)

	// the device confirms, which isn't echoed
	d.Send(t, aproto.A_CLSE, 100, local, nil)
	d.None(t)

	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestSocketWriteFlowControl(t *testing.T) {
	c, d := connect(t, context.Background(), nil, 4096)
	s, local := open(t, c, d, "shell:", 100)

	data := bytes.Repeat([]byte("0123456789"), 1000)

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.Write(data[:5000])
		return err
	})
	g.Go(func() error {
		_, err := s.Write(data[5000:])
		return err
	})

	var sizes []int
	var total int
	for total < len(data) {
		pkt := d.Expect(t, aproto.A_WRTE, local, 100)
		d.None(t) // nothing else until we ack it
		sizes = append(sizes, len(pkt.Payload))
		total += len(pkt.Payload)
		d.Send(t, aproto.A_OKAY, 100, local, nil)
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, len(data), total)
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 4096)
	}
	assert.Len(t, sizes, 4, "each 5000 byte write should be two packets")
}

func TestSocketWriteDeadline(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)

	require.NoError(t, s.SetWriteDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := s.Write([]byte("a"))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	d.Expect(t, aproto.A_WRTE, local, 100)

	// the next write waits for the first ack
	require.NoError(t, s.SetWriteDeadline(time.Time{}))
	var g errgroup.Group
	g.Go(func() error {
		_, err := s.Write([]byte("b"))
		return err
	})
	d.None(t)
	d.Send(t, aproto.A_OKAY, 100, local, nil)
	pkt := d.Expect(t, aproto.A_WRTE, local, 100)
	assert.Equal(t, "b", string(pkt.Payload))
	d.Send(t, aproto.A_OKAY, 100, local, nil)
	require.NoError(t, g.Wait())
}

func TestSocketBackpressure(t *testing.T) {
	c, d := connect(t, context.Background(), &Config{ReadBufferSize: 8}, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)

	d.Send(t, aproto.A_WRTE, 100, local, []byte("0123456789"))
	d.None(t) // over the limit

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
	d.Expect(t, aproto.A_OKAY, local, 100)

	d.Send(t, aproto.A_WRTE, 100, local, []byte("a"))
	d.Expect(t, aproto.A_OKAY, local, 100) // 7 buffered

	got, err := io.ReadAll(io.LimitReader(s, 7))
	require.NoError(t, err)
	assert.Equal(t, "456789a", string(got))
	d.None(t)
}

func TestUnknownSocket(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)

	d.Send(t, aproto.A_WRTE, 7, 99, []byte("x"))
	d.Expect(t, aproto.A_CLSE, 99, 7)

	d.Send(t, aproto.A_OKAY, 7, 98, nil)
	d.Expect(t, aproto.A_CLSE, 98, 7)

	d.Send(t, aproto.A_CLSE, 7, 97, nil)
	d.None(t)

	assert.NoError(t, c.Err())
}

func TestIncoming(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)

	accepted := make(chan net.Conn, 1)
	remove := c.AddIncomingHandler(func(svc string) (func(net.Conn), bool) {
		if svc != "tcp:1234" {
			return nil, false
		}
		return func(conn net.Conn) { accepted <- conn }, true
	})

	d.Send(t, aproto.A_OPEN, 50, 0, []byte("tcp:1234\x00"))
	pkt := d.Next(t)
	require.Equal(t, aproto.A_OKAY, pkt.Command)
	require.Equal(t, uint32(50), pkt.Arg1)
	local := pkt.Arg0
	assert.NotZero(t, local)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	assert.True(t, conn.(*Socket).Incoming())
	assert.Equal(t, "tcp:1234", conn.(*Socket).Service())

	d.Send(t, aproto.A_WRTE, 50, local, []byte("ping"))
	d.Expect(t, aproto.A_OKAY, local, 50)
	buf := make([]byte, 4)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	d.Send(t, aproto.A_OPEN, 51, 0, []byte("tcp:9999"))
	d.Expect(t, aproto.A_CLSE, 0, 51)

	remove()
	d.Send(t, aproto.A_OPEN, 52, 0, []byte("tcp:1234"))
	d.Expect(t, aproto.A_CLSE, 0, 52)
}

func TestProtocolError(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)

	d.Send(t, aproto.A_WRTE, 100, local, []byte("buffered"))
	d.Expect(t, aproto.A_OKAY, local, 100)

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.DialADB(context.Background(), "shell:")
		return err
	})
	d.Expect(t, aproto.A_OPEN, local+1, 0)

	d.Send(t, aproto.A_CNXN, aproto.Version, aproto.MaxPayloadSize, []byte(sailfish))

	select {
	case <-c.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("not disconnected")
	}
	assert.ErrorIs(t, c.Err(), ErrDisconnected)
	assert.ErrorIs(t, c.Err(), adbproto.ErrProtocol)

	err := g.Wait()
	assert.ErrorIs(t, err, ErrDisconnected)

	got, err := io.ReadAll(s)
	assert.Equal(t, "buffered", string(got), "buffered data should still be readable")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, net.ErrClosed)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = c.DialADB(context.Background(), "shell:")
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NoError(t, s.Close())
}

func TestConnClose(t *testing.T) {
	c, d := connect(t, context.Background(), nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)

	require.NoError(t, c.Close())
	d.Expect(t, aproto.A_CLSE, local, 100)
	require.NoError(t, c.Close())

	select {
	case <-c.Disconnected():
	default:
		t.Fatal("not disconnected")
	}
	assert.ErrorIs(t, c.Err(), net.ErrClosed)

	_, err := c.DialADB(context.Background(), "shell:")
	assert.ErrorIs(t, err, ErrDisconnected)

	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestConnTrace(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	ctx := WithMetrics(context.Background(), m)
	ctx = WithConnTrace(ctx, &ConnTrace{
		Connected: func(s State) {
			record("connected " + s.Banner.Product())
		},
		SocketOpen: func(local, remote uint32, svc string, incoming bool) {
			record("open " + svc)
		},
		SocketClose: func(local, remote uint32) {
			record("close")
		},
		Disconnected: func(err error) {
			record("disconnected")
		},
	})

	c, d := connect(t, ctx, nil, aproto.MaxPayloadSize)
	s, local := open(t, c, d, "shell:", 100)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SocketsOpen))

	s.Close()
	d.Expect(t, aproto.A_CLSE, local, 100)
	d.Send(t, aproto.A_CLSE, 100, local, nil)
	require.NoError(t, c.Close())

	assert.Equal(t, []string{"connected sailfish", "open shell:", "close", "disconnected"}, events)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SocketsOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsSent.WithLabelValues("OPEN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SocketsOpened.WithLabelValues("false")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.NotZero(t, n)
}

func TestComposeHooks(t *testing.T) {
	var calls []int
	a := &ConnTrace{StartTLS: func() { calls = append(calls, 1) }}
	b := &ConnTrace{
		StartTLS: func() { calls = append(calls, 2) },
		Disconnected: func(error) { calls = append(calls, 3) },
	}
	composeHooks(a, b)
	a.StartTLS()
	a.Disconnected(nil)
	assert.Equal(t, []int{1, 2, 3}, calls)
}
