package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/kadmesh/overlay/internal/kadid"
)

var log = logging.Logger("transport")

// batchSize bounds how many datagrams a single ReadBatch/WriteBatch
// syscall asks the kernel to move, grounded on the teacher's
// listener.go readBatch/writeBatch sizing.
const batchSize = 64

// maxDatagram is large enough for a full find_node_reply contact list
// (K IPv6 contacts). A store or find_value_reply whose value makes the
// datagram longer than this is cut short on receive and then dropped
// by the header length check.
const maxDatagram = 1400

// UDP is the production Transport, backed by a batched ipv4.PacketConn
// with SO_REUSEADDR/SO_REUSEPORT so multiple listener goroutines can
// share one port, grounded on the teacher's listener.go/dht.go.control.
type UDP struct {
	conn *ipv4.PacketConn
	raw  *net.UDPConn

	out  chan Datagram
	quit chan struct{}
	once sync.Once
}

// ListenUDP binds addr (e.g. ":6881") with port/address reuse enabled
// and starts the batched receive loop.
func ListenUDP(addr string, socketBufferSize int) (*UDP, error) {
	cfg := net.ListenConfig{Control: reuseControl}

	pc, err := cfg.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}

	udpConn := pc.(*net.UDPConn)
	if socketBufferSize > 0 {
		_ = udpConn.SetReadBuffer(socketBufferSize)
		_ = udpConn.SetWriteBuffer(socketBufferSize)
	}

	u := &UDP{
		conn: ipv4.NewPacketConn(udpConn),
		raw:  udpConn,
		out:  make(chan Datagram, batchSize),
		quit: make(chan struct{}),
	}

	go u.readLoop()
	return u, nil
}

// reuseControl enables SO_REUSEADDR/SO_REUSEPORT so the node can bind
// the same port from several listener goroutines, as the teacher does
// to spread batched I/O across OS threads.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (u *UDP) readLoop() {
	defer close(u.out)

	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}

	for {
		select {
		case <-u.quit:
			return
		default:
		}

		n, err := u.conn.ReadBatch(msgs, 0)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("read batch failed: %v", err)
			continue
		}

		for i := 0; i < n; i++ {
			addr, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			payload := make([]byte, msgs[i].N)
			copy(payload, msgs[i].Buffers[0][:msgs[i].N])

			select {
			case u.out <- Datagram{Data: payload, From: addr}:
			case <-u.quit:
				return
			}
		}
	}
}

// Send implements Transport.
func (u *UDP) Send(data []byte, to kadid.Contact) error {
	msg := ipv4.Message{
		Buffers: [][]byte{data},
		Addr:    to.UDPAddr(),
	}
	_, err := u.conn.WriteBatch([]ipv4.Message{msg}, 0)
	return err
}

// Recv implements Transport.
func (u *UDP) Recv() <-chan Datagram {
	return u.out
}

// LocalPort implements Transport.
func (u *UDP) LocalPort() int {
	if addr, ok := u.raw.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close implements Transport.
func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		close(u.quit)
		err = u.conn.Close()
	})
	return err
}
