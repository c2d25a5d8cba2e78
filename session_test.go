package socket

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zereker/socket/v2/buffer"
)

// collector is a Dispatcher that forwards every message to a channel.
type collector struct {
	ch chan Message
}

func newCollector() *collector {
	return &collector{ch: make(chan Message, 128)}
}

func (c *collector) Dispatch(_ context.Context, _ *Session, msg Message) error {
	c.ch <- msg
	return nil
}

// next waits for the next dispatched message.
func (c *collector) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
		return nil
	}
}

// createTestTCPPair creates a connected TCP pair for testing.
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		conn, err := listener.AcceptTCP()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server := <-accepted
	if server == nil {
		client.Close()
		t.Fatal("failed to accept connection")
	}
	return server, client
}

// newPipeSession returns a session over one end of a net.Pipe and the peer
// end. Pipe writes are delivered to the session's reads one write at a time.
func newPipeSession(t *testing.T, d Dispatcher, opts ...Option) (*Session, net.Conn) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	opts = append([]Option{LoggerOption(NopLogger())}, opts...)
	s, err := NewSession(serverConn, NewFrameCodec(newTestRegistry()), d, opts...)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clientConn
}

// runSession starts s.Run and returns a channel with its result.
func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func encodeFrames(t *testing.T, msgs ...Message) []byte {
	t.Helper()
	codec := NewFrameCodec(newTestRegistry())

	var out []byte
	for _, msg := range msgs {
		data, err := codec.Encode(msg)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		out = append(out, data...)
	}
	return out
}

func TestNewSession_InvalidArguments(t *testing.T) {
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()

	codec := NewFrameCodec(newTestRegistry())
	d := newCollector()

	if _, err := NewSession(nil, codec, d); err != ErrInvalidConn {
		t.Errorf("nil conn: err = %v, want ErrInvalidConn", err)
	}
	if _, err := NewSession(conn, nil, d); err != ErrInvalidCodec {
		t.Errorf("nil codec: err = %v, want ErrInvalidCodec", err)
	}
	if _, err := NewSession(conn, codec, nil); err != ErrInvalidDispatcher {
		t.Errorf("nil dispatcher: err = %v, want ErrInvalidDispatcher", err)
	}
}

func TestSession_ID(t *testing.T) {
	s1, _ := newPipeSession(t, newCollector())
	s2, _ := newPipeSession(t, newCollector())

	id := s1.ID()
	if len(id) != 32 {
		t.Errorf("ID length = %d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Errorf("ID %q is not hex: %v", id, err)
	}
	if s1.ID() != id {
		t.Error("ID changed between calls")
	}
	if s2.ID() == id {
		t.Error("two sessions share an ID")
	}
}

func TestSession_Attrs(t *testing.T) {
	s, _ := newPipeSession(t, newCollector())

	if s.Attr("player") != nil {
		t.Error("unset attribute should be nil")
	}

	s.SetAttr("player", 42)
	if got := s.Attr("player"); got != 42 {
		t.Errorf("Attr = %v, want 42", got)
	}

	s.RemoveAttr("player")
	if s.Attr("player") != nil {
		t.Error("attribute not removed")
	}
}

func TestSession_State(t *testing.T) {
	s, client := newPipeSession(t, newCollector())

	if s.State() != StateCreated {
		t.Errorf("state = %v, want created", s.State())
	}

	done := runSession(context.Background(), s)
	client.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil on peer close", err)
	}
	if s.State() != StateDraining {
		t.Errorf("state = %v, want draining", s.State())
	}

	s.Close()
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateCreated:  "created",
		StateRunning:  "running",
		StateDraining: "draining",
		StateClosed:   "closed",
		State(42):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestSession_Run_MultipleFramesInOneRead(t *testing.T) {
	c := newCollector()
	s, client := newPipeSession(t, c)
	done := runSession(context.Background(), s)

	stream := encodeFrames(t, &seqMessage{seq: 1}, &textMessage{text: "two"}, &seqMessage{seq: 3})
	if _, err := client.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := c.next(t).(*seqMessage).seq; got != 1 {
		t.Errorf("first seq = %d, want 1", got)
	}
	if got := c.next(t).(*textMessage).text; got != "two" {
		t.Errorf("second text = %q, want two", got)
	}
	if got := c.next(t).(*seqMessage).seq; got != 3 {
		t.Errorf("third seq = %d, want 3", got)
	}

	client.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSession_Run_PartialFrame(t *testing.T) {
	c := newCollector()
	s, client := newPipeSession(t, c)
	done := runSession(context.Background(), s)

	frame := encodeFrames(t, &textMessage{text: "partial frame"})
	// Split inside the header, then inside the body.
	for _, chunk := range [][]byte{frame[:4], frame[4:9], frame[9:]} {
		if _, err := client.Write(chunk); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	if got := c.next(t).(*textMessage).text; got != "partial frame" {
		t.Errorf("text = %q, want %q", got, "partial frame")
	}

	select {
	case msg := <-c.ch:
		t.Errorf("unexpected extra dispatch: %v", msg)
	default:
	}

	client.Close()
	waitRun(t, done)
}

func TestSession_Run_ByteByByte(t *testing.T) {
	c := newCollector()
	s, client := newPipeSession(t, c)
	done := runSession(context.Background(), s)

	var msgs []Message
	for i := uint32(0); i < 5; i++ {
		msgs = append(msgs, &seqMessage{seq: i}, &textMessage{text: "tick"})
	}
	stream := encodeFrames(t, msgs...)

	for i := range stream {
		if _, err := client.Write(stream[i : i+1]); err != nil {
			t.Fatalf("write byte %d failed: %v", i, err)
		}
	}

	for i := uint32(0); i < 5; i++ {
		if got := c.next(t).(*seqMessage).seq; got != i {
			t.Errorf("seq = %d, want %d", got, i)
		}
		if got := c.next(t).(*textMessage).text; got != "tick" {
			t.Errorf("text = %q, want tick", got)
		}
	}

	client.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSession_Run_FrameTooLarge(t *testing.T) {
	s, client := newPipeSession(t, newCollector())
	done := runSession(context.Background(), s)

	header := []byte{0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	go client.Write(header)

	err := waitRun(t, done)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Run = %v, want ErrFrameTooLarge", err)
	}
	if !s.IsClosed() {
		t.Error("session should be disconnected")
	}
}

func TestSession_Run_UnknownProtocol(t *testing.T) {
	s, client := newPipeSession(t, newCollector())
	done := runSession(context.Background(), s)

	go client.Write([]byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00})

	if err := waitRun(t, done); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("Run = %v, want ErrUnknownProtocol", err)
	}
}

func TestSession_Run_DispatchError(t *testing.T) {
	wantErr := errors.New("handler failed")
	d := DispatcherFunc(func(context.Context, *Session, Message) error {
		return wantErr
	})
	s, client := newPipeSession(t, d)
	done := runSession(context.Background(), s)

	go client.Write(encodeFrames(t, &seqMessage{seq: 1}))

	if err := waitRun(t, done); !errors.Is(err, wantErr) {
		t.Errorf("Run = %v, want %v", err, wantErr)
	}
}

func TestSession_Run_DispatchPanic(t *testing.T) {
	d := DispatcherFunc(func(context.Context, *Session, Message) error {
		panic("boom")
	})
	s, client := newPipeSession(t, d)
	done := runSession(context.Background(), s)

	go client.Write(encodeFrames(t, &seqMessage{seq: 1}))

	if err := waitRun(t, done); err == nil {
		t.Error("Run = nil, want panic error")
	}
}

func TestSession_Run_ContinueOnError(t *testing.T) {
	c := newCollector()
	d := DispatcherFunc(func(ctx context.Context, s *Session, msg Message) error {
		if m, ok := msg.(*seqMessage); ok && m.seq == 1 {
			return errors.New("rejected")
		}
		return c.Dispatch(ctx, s, msg)
	})

	var suppressed int
	s, client := newPipeSession(t, d, OnErrorOption(func(error) ErrorAction {
		suppressed++
		return Continue
	}))
	done := runSession(context.Background(), s)

	stream := encodeFrames(t, &seqMessage{seq: 1}, &seqMessage{seq: 2})
	if _, err := client.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if got := c.next(t).(*seqMessage).seq; got != 2 {
		t.Errorf("seq = %d, want 2", got)
	}

	client.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", suppressed)
	}
}

func TestSession_Run_Twice(t *testing.T) {
	s, client := newPipeSession(t, newCollector())
	done := runSession(context.Background(), s)

	// Wait for the first Run to take ownership.
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatal("session never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Run(context.Background()); err != ErrSessionStarted {
		t.Errorf("second Run = %v, want ErrSessionStarted", err)
	}

	client.Close()
	waitRun(t, done)

	if err := s.Run(context.Background()); err != ErrSessionClosed {
		t.Errorf("Run after stop = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Run_ContextCanceled(t *testing.T) {
	s, _ := newPipeSession(t, newCollector())

	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(ctx, s)

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil on cancel", err)
	}
	if !s.IsClosed() {
		t.Error("session should be disconnected after cancel")
	}
	if s.Context().Err() == nil {
		t.Error("session context should be canceled")
	}
}

func TestSession_Disconnect(t *testing.T) {
	s, _ := newPipeSession(t, newCollector())
	done := runSession(context.Background(), s)

	time.Sleep(20 * time.Millisecond)
	s.Disconnect()
	s.Disconnect()

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSession_DisconnectFromDispatcher(t *testing.T) {
	c := newCollector()
	d := DispatcherFunc(func(ctx context.Context, s *Session, msg Message) error {
		s.Disconnect()
		return c.Dispatch(ctx, s, msg)
	})
	s, client := newPipeSession(t, d)
	done := runSession(context.Background(), s)

	go client.Write(encodeFrames(t, &seqMessage{seq: 1}, &seqMessage{seq: 2}))

	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if got := c.next(t).(*seqMessage).seq; got != 1 {
		t.Errorf("seq = %d, want 1", got)
	}
	select {
	case msg := <-c.ch:
		t.Errorf("message dispatched after disconnect: %v", msg)
	default:
	}
}

func TestSession_Heartbeat(t *testing.T) {
	s, _ := newPipeSession(t, newCollector(), HeartbeatOption(20*time.Millisecond))
	done := runSession(context.Background(), s)

	err := waitRun(t, done)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("Run = %v, want timeout", err)
	}
}

func TestSession_Send(t *testing.T) {
	s, client := newPipeSession(t, newCollector())

	want := encodeFrames(t, &textMessage{text: "hello"})
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		if _, err := io.ReadFull(client, buf); err != nil {
			got <- nil
			return
		}
		got <- buf
	}()

	if err := s.Send(context.Background(), &textMessage{text: "hello"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(want) {
			t.Errorf("peer read % x, want % x", data, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer read")
	}
}

func TestSession_Send_Concurrent(t *testing.T) {
	s, client := newPipeSession(t, newCollector())

	const senders, perSender = 8, 20
	total := senders * perSender

	received := make(chan int, 1)
	go func() {
		codec := NewFrameCodec(newTestRegistry())
		var pending []byte
		buf := make([]byte, 1024)
		count := 0
		for count < total {
			n, err := client.Read(buf)
			if err != nil {
				break
			}
			pending = append(pending, buf[:n]...)
			for {
				msg, used, err := codec.TryDecode(pending)
				if err != nil || msg == nil {
					break
				}
				pending = pending[used:]
				count++
			}
		}
		received <- count
	}()

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if err := s.Send(context.Background(), &seqMessage{seq: uint32(i*perSender + j)}); err != nil {
					t.Errorf("Send failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	select {
	case count := <-received:
		if count != total {
			t.Errorf("peer decoded %d frames, want %d", count, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer")
	}
}

func TestSession_Send_ContextCanceled(t *testing.T) {
	// Nobody reads the peer end, so the write blocks before any byte leaves.
	s, client := newPipeSession(t, newCollector())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, &textMessage{text: "stuck"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want context.DeadlineExceeded", err)
	}
	if s.IsClosed() {
		t.Fatal("a canceled send with nothing written should keep the session open")
	}

	// The stale deadline is cleared and the next send goes through.
	want := encodeFrames(t, &seqMessage{seq: 5})
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(want))
		if _, err := io.ReadFull(client, buf); err != nil {
			got <- nil
			return
		}
		got <- buf
	}()

	if err := s.Send(context.Background(), &seqMessage{seq: 5}); err != nil {
		t.Fatalf("Send after cancel failed: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != string(want) {
			t.Errorf("peer read % x, want % x", data, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for peer read")
	}
}

func TestSession_Send_AlreadyCanceled(t *testing.T) {
	s, client := newPipeSession(t, newCollector())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Send(ctx, &seqMessage{seq: 1}); err != context.Canceled {
		t.Errorf("Send = %v, want context.Canceled", err)
	}
	if s.IsClosed() {
		t.Fatal("session closed by a send that never started")
	}

	go io.Copy(io.Discard, client)
	if err := s.Send(context.Background(), &seqMessage{seq: 2}); err != nil {
		t.Errorf("Send after canceled send = %v, want nil", err)
	}
}

func TestSession_Send_PartialWriteDisconnects(t *testing.T) {
	s, client := newPipeSession(t, newCollector())

	// The peer takes the first bytes of the frame, then stops reading.
	go client.Read(make([]byte, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, &textMessage{text: "half a frame"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want context.DeadlineExceeded", err)
	}
	if !s.IsClosed() {
		t.Error("session should be disconnected after a partial write")
	}
}

func TestSession_Send_AfterClose(t *testing.T) {
	s, _ := newPipeSession(t, newCollector())
	s.Close()

	if err := s.Send(context.Background(), &seqMessage{}); err != ErrSessionClosed {
		t.Errorf("Send = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Send_EncodeError(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	codec := NewFrameCodec(newTestRegistry(), WithMaxFrameSize(2))
	s, err := NewSession(serverConn, codec, newCollector(), LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	if err := s.Send(context.Background(), &seqMessage{}); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Send = %v, want ErrFrameTooLarge", err)
	}
	if s.IsClosed() {
		t.Error("encode failure should not disconnect the session")
	}
}

func TestSession_Close(t *testing.T) {
	server, client := createTestTCPPair(t)
	defer client.Close()

	s, err := NewSession(server, NewFrameCodec(newTestRegistry()), newCollector(), LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("first Close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	// The peer observes an orderly shutdown.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("peer read = %v, want EOF", err)
	}
}

func TestSession_EchoOverTCP(t *testing.T) {
	server, client := createTestTCPPair(t)
	defer client.Close()

	echo := DispatcherFunc(func(ctx context.Context, s *Session, msg Message) error {
		return s.Send(ctx, msg)
	})
	s, err := NewSession(server, NewFrameCodec(newTestRegistry()), echo, LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()
	done := runSession(context.Background(), s)

	want := encodeFrames(t, &textMessage{text: "echo"}, &seqMessage{seq: 9})
	if _, err := client.Write(want); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got := make([]byte, len(want))
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("echo = % x, want % x", got, want)
	}

	client.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSession_ReleasesBuffers(t *testing.T) {
	pool := buffer.NewPool()
	c := newCollector()
	s, client := newPipeSession(t, c, PoolOption(pool), ReceiveBufferSizeOption(512))
	done := runSession(context.Background(), s)

	if _, err := client.Write(encodeFrames(t, &seqMessage{seq: 1})); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.next(t)

	client.Close()
	waitRun(t, done)

	if n := pool.Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d after Run, want 0", n)
	}
}

func TestSession_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	c := newCollector()
	s, client := newPipeSession(t, c, MetricsOption(m))
	done := runSession(context.Background(), s)

	stream := encodeFrames(t, &seqMessage{seq: 1})
	if _, err := client.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.next(t)

	client.Close()
	waitRun(t, done)

	if got := counterValue(t, m.bytesReceived); got != float64(len(stream)) {
		t.Errorf("bytes_received = %v, want %d", got, len(stream))
	}
	if got := counterValue(t, m.messagesReceived.WithLabelValues("2")); got != 1 {
		t.Errorf("messages_received = %v, want 1", got)
	}
}

// stalledCodec reports a message without consuming any bytes.
type stalledCodec struct {
	*FrameCodec
}

func (c stalledCodec) TryDecode(buf []byte) (Message, int, error) {
	msg, _, err := c.FrameCodec.TryDecode(buf)
	return msg, 0, err
}

func TestSession_Run_DecoderStalled(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	codec := stalledCodec{NewFrameCodec(newTestRegistry())}
	s, err := NewSession(serverConn, codec, newCollector(), LoggerOption(NopLogger()))
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()
	done := runSession(context.Background(), s)

	go clientConn.Write(encodeFrames(t, &seqMessage{seq: 1}))

	if err := waitRun(t, done); !errors.Is(err, ErrDecoderStalled) {
		t.Errorf("Run = %v, want ErrDecoderStalled", err)
	}
}
