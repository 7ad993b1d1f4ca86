// Command xdpdump captures frames from an AF_XDP-bound queue and
// prints one line per frame, tcpdump style. An XDP program steering
// the queue into an XSKMAP must already be attached, e.g.:
//
//	ip link set dev eth0 xdp obj xdp.o sec xdp
//	xdpdump --iface eth0 --queue 0
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/penguintechinc/xsknet/internal/packet"
	"github.com/penguintechinc/xsknet/internal/xdp"
)

type dumpOptions struct {
	iface     string
	queueID   uint32
	mapPath   string
	entries   int
	chunkSize int
	ringSize  int
	hexDump   bool
	etherType uint32
}

func main() {
	opts := &dumpOptions{}

	root := &cobra.Command{
		Use:   "xdpdump",
		Short: "Capture frames from an AF_XDP queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runDump(opts)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.iface, "iface", "i", "", "interface to capture on (required)")
	flags.Uint32VarP(&opts.queueID, "queue", "q", 0, "RX queue id to bind")
	flags.StringVar(&opts.mapPath, "map", xdp.DefaultXSKMapPath, "pinned XSKMAP path")
	flags.IntVar(&opts.entries, "umem-entries", 1024, "UMEM chunk count")
	flags.IntVar(&opts.chunkSize, "chunk-size", xdp.ChunkSize4K, "UMEM chunk size (2048 or 4096)")
	flags.IntVar(&opts.ringSize, "ring-size", 16, "size of each of the four rings")
	flags.BoolVarP(&opts.hexDump, "hex", "x", false, "hex-dump each frame")
	flags.Uint32Var(&opts.etherType, "ethertype", 0, "only print frames of this ethertype (0 = all)")
	root.MarkFlagRequired("iface")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDump(opts *dumpOptions) error {
	if err := xdp.SetRLimitMemlock(); err != nil {
		log.Printf("warning: memlock rlimit: %v", err)
	}

	device, err := xdp.NewXDPSocket(opts.iface, xdp.Config{
		QueueID: opts.queueID,
		Umem: xdp.UmemConfig{
			Entries:   opts.entries,
			ChunkSize: opts.chunkSize,
		},
		Tx: xdp.RingConfig{Size: opts.ringSize},
		Rx: xdp.RingConfig{Size: opts.ringSize},
		Cr: xdp.RingConfig{Size: opts.ringSize},
		Fr: xdp.RingConfig{Size: opts.ringSize},
	})
	if err != nil {
		return err
	}
	defer device.Close()

	xskMap, err := xdp.OpenXSKMap(opts.mapPath)
	if err != nil {
		return err
	}
	defer xskMap.Close()

	if err := xskMap.Insert(opts.queueID, device.Fd()); err != nil {
		return err
	}
	defer xskMap.Remove(opts.queueID)

	pipeline := buildPipeline(opts)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	fmt.Fprintf(os.Stderr, "listening on %s, queue %d\n", opts.iface, opts.queueID)

	frames := 0
	for {
		select {
		case <-quit:
			fmt.Fprintf(os.Stderr, "\n%d frames captured\n", frames)
			return nil
		default:
		}

		rx, _, ok := device.Receive(time.Now())
		if !ok {
			if err := waitReadable(device.Fd()); err != nil {
				return err
			}
			continue
		}

		rx.Consume(pipeline.Process)
		frames++
	}
}

func buildPipeline(opts *dumpOptions) *packet.Pipeline {
	p := &packet.Pipeline{}
	if opts.etherType != 0 {
		p.AddHandler(packet.EtherTypeFilter(uint16(opts.etherType)))
	}
	p.AddHandler(func(frame []byte) bool {
		fmt.Printf("%s %s\n", time.Now().Format("15:04:05.000000"), packet.Summary(frame))
		if opts.hexDump {
			fmt.Print(hex.Dump(frame))
		}
		return true
	})
	return p
}

// waitReadable blocks on the socket fd until the kernel has produced
// RX descriptors or one second has passed, so the caller can check for
// shutdown. The datapath itself never waits; this is the caller-side
// poll the device expects.
func waitReadable(fd int) error {
	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLIN,
	}}

	_, err := unix.Poll(pollFds, 1000)
	if err == unix.EINTR {
		return nil
	}
	return err
}
