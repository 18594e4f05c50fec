// NETLINK_CONNECTOR fallback source: delivers PROC_EVENT_EXEC notifications
// with zero polling overhead when the eBPF ring-buffer source cannot be
// loaded (no CAP_BPF, kernel < 5.8). It only observes exec activity — the
// kernel connector has no equivalent for connect()/DNS, so a deployment
// relying on this fallback sees executables but not their connections.
//
//go:build linux

package kprobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

const (
	netlinkConnector uint16 = 11

	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	procEventExec uint32 = 0x00000002

	cnMsgSize       = 20
	procEvtHdrSize  = 16
	execInfoSize    = 8
	nlMsgHdrSize    = 16
	minProcEventLen = cnMsgSize + procEvtHdrSize + execInfoSize
)

// NetlinkExecSource is a kprobe.Source backed by the NETLINK_CONNECTOR
// process-events socket. Requires CAP_NET_ADMIN.
type NetlinkExecSource struct {
	mu       sync.Mutex
	sock     int
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
	events   chan snitchevent.RawRecord
}

// NewNetlinkExecSource constructs an unattached source.
func NewNetlinkExecSource() *NetlinkExecSource {
	return &NetlinkExecSource{events: make(chan snitchevent.RawRecord, 1024)}
}

func (s *NetlinkExecSource) Attach(ctx context.Context) (<-chan snitchevent.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return s.events, nil
	}

	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, int(netlinkConnector))
	if err != nil {
		return nil, fmt.Errorf("kprobe: open NETLINK_CONNECTOR socket: %w (requires CAP_NET_ADMIN)", err)
	}
	sa := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: uint32(os.Getpid())}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return nil, fmt.Errorf("kprobe: bind NETLINK_CONNECTOR: %w", err)
	}
	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return nil, fmt.Errorf("kprobe: subscribe to proc events: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.sock = sock
	s.cancel = cancel
	s.wg.Add(1)
	go s.readLoop(ctx, sock)
	return s.events, nil
}

func (s *NetlinkExecSource) readLoop(ctx context.Context, sock int) {
	defer s.wg.Done()
	defer close(s.events)
	defer func() { _ = syscall.Close(sock) }()

	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	buf := make([]byte, 8*1024)
	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore)
			return
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			return
		}

		for _, rec := range parseNetlinkExecRecords(buf[:n]) {
			select {
			case s.events <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseNetlinkExecRecords(buf []byte) []snitchevent.RawRecord {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		return nil
	}
	var out []snitchevent.RawRecord
	for i := range msgs {
		if rec, ok := decodeNetlinkExecMessage(&msgs[i]); ok {
			out = append(out, rec)
		}
	}
	return out
}

func decodeNetlinkExecMessage(msg *syscall.NetlinkMessage) (snitchevent.RawRecord, bool) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return snitchevent.RawRecord{}, false
	}
	data := msg.Data
	if len(data) < minProcEventLen {
		return snitchevent.RawRecord{}, false
	}

	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return snitchevent.RawRecord{}, false
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return snitchevent.RawRecord{}, false
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize+execInfoSize {
		return snitchevent.RawRecord{}, false
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec {
		return snitchevent.RawRecord{}, false
	}

	pid := binary.NativeEndian.Uint32(payload[procEvtHdrSize : procEvtHdrSize+4])
	comm, cmdline := readProcCmdline(pid)

	return snitchevent.RawRecord{
		Type:    "exec",
		PID:     pid,
		Name:    comm,
		Cmdline: cmdline,
		Final:   true,
	}, true
}

// readProcCmdline reads the short comm name and space-joined cmdline from
// /proc/<pid>, returning empty strings for any field that cannot be read
// (most often because the process has already exited).
func readProcCmdline(pid uint32) (comm, cmdline string) {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		comm = strings.TrimRight(string(b), "\n\r")
	}
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		cmdline = strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " ")
	}
	return comm, cmdline
}

func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)
	binary.NativeEndian.PutUint16(buf[6:8], 0)
	binary.NativeEndian.PutUint32(buf[8:12], 0)
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc)
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)

	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}

func (s *NetlinkExecSource) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
	})
	return nil
}
