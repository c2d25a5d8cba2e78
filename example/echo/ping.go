package main

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/socket/v2"
)

func pingCmd() *cobra.Command {
	var (
		addr    string
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send ping messages and report round-trip times",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return errors.Wrapf(err, "dial %s", addr)
			}
			defer conn.Close()

			codec := socket.NewFrameCodec(newRegistry())
			buf := make([]byte, 4096)
			var pending []byte

			for seq := uint32(1); seq <= uint32(count); seq++ {
				data, err := codec.Encode(&ping{Seq: seq})
				if err != nil {
					return err
				}

				start := time.Now()
				_ = conn.SetDeadline(start.Add(timeout))
				if _, err := conn.Write(data); err != nil {
					return errors.Wrap(err, "write")
				}

				var reply socket.Message
				for reply == nil {
					msg, n, err := codec.TryDecode(pending)
					if err != nil {
						return err
					}
					if msg != nil {
						pending = pending[n:]
						reply = msg
						break
					}

					n, err = conn.Read(buf)
					if err != nil {
						return errors.Wrap(err, "read")
					}
					pending = append(pending, buf[:n]...)
				}

				p, ok := reply.(*pong)
				if !ok {
					return errors.Errorf("unexpected reply protocol %d", reply.ProtocolID())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong seq=%d time=%s\n", p.Seq, time.Since(start))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:9000", "Server address")
	cmd.Flags().IntVarP(&count, "count", "c", 3, "Number of pings")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial and round-trip timeout")

	return cmd
}
