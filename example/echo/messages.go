package main

import (
	"github.com/Zereker/socket/v2"
	"github.com/Zereker/socket/v2/buffer"
)

const (
	chatProtocol socket.ProtocolID = 1
	pingProtocol socket.ProtocolID = 2
	pongProtocol socket.ProtocolID = 3
)

// chat is broadcast to every connected player.
type chat struct {
	Sender    string
	Text      string
	Timestamp int64
}

func (m *chat) ProtocolID() socket.ProtocolID { return chatProtocol }

func (m *chat) Serialize(w *buffer.Writer) error {
	if err := w.WriteUTF(m.Sender); err != nil {
		return err
	}
	if err := w.WriteBigUTF(m.Text); err != nil {
		return err
	}
	return w.WriteInt64(m.Timestamp)
}

func (m *chat) Deserialize(r *buffer.Reader) (err error) {
	if m.Sender, err = r.ReadUTF(); err != nil {
		return err
	}
	if m.Text, err = r.ReadBigUTF(); err != nil {
		return err
	}
	m.Timestamp, err = r.ReadInt64()
	return err
}

type ping struct {
	Seq uint32
}

func (m *ping) ProtocolID() socket.ProtocolID { return pingProtocol }

func (m *ping) Serialize(w *buffer.Writer) error { return w.WriteUint32(m.Seq) }

func (m *ping) Deserialize(r *buffer.Reader) (err error) {
	m.Seq, err = r.ReadUint32()
	return err
}

type pong struct {
	Seq uint32
}

func (m *pong) ProtocolID() socket.ProtocolID { return pongProtocol }

func (m *pong) Serialize(w *buffer.Writer) error { return w.WriteUint32(m.Seq) }

func (m *pong) Deserialize(r *buffer.Reader) (err error) {
	m.Seq, err = r.ReadUint32()
	return err
}

// newRegistry returns the message catalogue shared by server and client.
func newRegistry() *socket.Registry {
	r := socket.NewRegistry()
	r.MustRegister(chatProtocol, func() socket.Message { return &chat{} })
	r.MustRegister(pingProtocol, func() socket.Message { return &ping{} })
	r.MustRegister(pongProtocol, func() socket.Message { return &pong{} })
	return r
}
