package remote_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/mpdev/channel"
	"github.com/bobuhiro11/mpdev/mpqemu"
	"github.com/bobuhiro11/mpdev/remote"
)

func TestClientRejectsWrongReply(t *testing.T) {
	t.Parallel()

	dev, peer, err := channel.Pair()
	if err != nil {
		t.Fatal(err)
	}

	defer dev.Close()
	defer peer.Close()

	codec := mpqemu.DefaultCodec

	go func() {
		if _, err := codec.ReadHeader(dev); err != nil {
			return
		}

		if _, err := codec.ReadPayload(dev, mpqemu.PciConfDataSize); err != nil {
			return
		}

		// A read expects RET/8.
		_ = mpqemu.WriteFrame(dev, codec.ReplyNoData())
	}()

	c := remote.NewClient(peer, codec)

	if _, err := c.ConfigRead(0, 4); !errors.Is(err, mpqemu.ErrUnexpectedReply) {
		t.Fatalf("expected: %v, actual: %v", mpqemu.ErrUnexpectedReply, err)
	}
}

func TestClientPeerGone(t *testing.T) {
	t.Parallel()

	dev, peer, err := channel.Pair()
	if err != nil {
		t.Fatal(err)
	}

	defer peer.Close()

	dev.Close()

	c := remote.NewClient(peer, mpqemu.Codec{})

	if err := c.Reset(); err == nil {
		t.Fatal("expected an error once the device end is closed")
	}
}
