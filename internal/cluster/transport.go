package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// messageKind tags the gob-encoded payload on the wire.
type messageKind uint8

const (
	msgPing messageKind = iota
	msgAck
	msgPingReq
	msgGossip
	msgPushPullReq
	msgPushPullResp
)

// envelope is the wire format for every UDP datagram and TCP frame. Small
// messages (ping/ack/ping-req plus a handful of piggybacked rumors) fit in
// one UDP datagram bounded by MaxUDPMessageSize; anti-entropy push-pull
// exchanges, which can carry the whole membership + state table, go over
// TCP instead.
type envelope struct {
	Kind    messageKind
	From    NodeInfo
	Target  NodeInfo // ping-req: who to probe on the sender's behalf
	Incarnation uint64
	Rumors  []Rumor
	// PushPull payload, TCP only.
	Members []Member
	States  []StateRecord
}

// Rumor is one piggybacked membership fact, gossiped via rumor-mongering:
// every node that receives it re-gossips it a bounded number of times
// before letting it die out.
type Rumor struct {
	Subject     NodeInfo
	Status      MemberStatus
	Incarnation uint64
}

// transport owns the UDP socket (ping/ack/ping-req/gossip) and the TCP
// listener (push-pull anti-entropy), mirroring the teacher's pattern of one
// goroutine per listener feeding a typed channel rather than callbacks.
type transport struct {
	udpConn *net.UDPConn
	tcpLn   net.Listener

	incoming chan envelope
	pushPull chan pushPullConn
}

// pushPullConn pairs an accepted TCP connection with the decoded request it
// carried, so the anti-entropy handler doesn't need to do its own framing.
type pushPullConn struct {
	conn net.Conn
	req  envelope
}

func newTransport(bindAddr string) (*transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolving UDP addr %s: %w", bindAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listening UDP %s: %w", bindAddr, err)
	}

	tcpLn, err := net.Listen("tcp", bindAddr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("cluster: listening TCP %s: %w", bindAddr, err)
	}

	t := &transport{
		udpConn:  udpConn,
		tcpLn:    tcpLn,
		incoming: make(chan envelope, 256),
		pushPull: make(chan pushPullConn, 16),
	}
	go t.readUDPLoop()
	go t.acceptTCPLoop()
	return t, nil
}

func (t *transport) readUDPLoop() {
	buf := make([]byte, constants.UDPBufferSize)
	for {
		n, _, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		var env envelope
		if err := gobDecode(buf[:n], &env); err != nil {
			continue
		}
		select {
		case t.incoming <- env:
		default:
			// receiver backed up; drop rather than block the read loop.
		}
	}
}

func (t *transport) acceptTCPLoop() {
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			return
		}
		go t.handleTCPConn(conn)
	}
}

func (t *transport) handleTCPConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	var req envelope
	dec := gob.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		conn.Close()
		return
	}
	select {
	case t.pushPull <- pushPullConn{conn: conn, req: req}:
	default:
		conn.Close()
	}
}

func (t *transport) sendUDP(addr string, env envelope) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	data, err := gobEncode(env)
	if err != nil {
		return err
	}
	if len(data) > constants.MaxUDPMessageSize {
		return fmt.Errorf("cluster: UDP message %d bytes exceeds budget %d", len(data), constants.MaxUDPMessageSize)
	}
	_, err = t.udpConn.WriteToUDP(data, raddr)
	return err
}

func (t *transport) pushPullDial(addr string, req envelope) (envelope, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return envelope{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if err := gob.NewEncoder(conn).Encode(req); err != nil {
		return envelope{}, err
	}
	var resp envelope
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return envelope{}, err
	}
	return resp, nil
}

func (t *transport) close() {
	t.udpConn.Close()
	t.tcpLn.Close()
}

// gobEncodeInto writes an envelope directly to a connection, used for the
// push-pull response (the request side already has its own conn via
// pushPullDial's encoder).
func gobEncodeInto(w net.Conn, v envelope) error {
	return gob.NewEncoder(w).Encode(v)
}

func gobEncode(v envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v *envelope) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
