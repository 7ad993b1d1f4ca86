// Package main is the entry point for the xsknet service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/penguintechinc/xsknet/internal/config"
	"github.com/penguintechinc/xsknet/internal/memory"
	"github.com/penguintechinc/xsknet/internal/server"
	"github.com/penguintechinc/xsknet/internal/xdp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting xsknet...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Host: %s", cfg.ServerHost)
	log.Printf("  Port: %d", cfg.ServerPort)
	log.Printf("  Datapath enabled: %v", cfg.XSKEnabled)
	if cfg.XSKEnabled {
		log.Printf("  Interface: %s queue %d", cfg.XSKInterface, cfg.XSKQueueID)
		log.Printf("  UMEM: %d chunks of %d bytes", cfg.UmemEntries, cfg.UmemChunkSize)
	}

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Printf("  GOMAXPROCS: %d", numCPU)

	if cfg.NUMAEnabled {
		logNUMA()
	}

	var device *xdp.XDPSocket
	if cfg.XSKEnabled {
		if err := xdp.SetRLimitMemlock(); err != nil {
			log.Printf("Warning: Failed to set memlock rlimit: %v", err)
		}

		var err error
		device, err = xdp.NewXDPSocket(cfg.XSKInterface, xdp.Config{
			QueueID: uint32(cfg.XSKQueueID),
			Umem: xdp.UmemConfig{
				Entries:   cfg.UmemEntries,
				ChunkSize: cfg.UmemChunkSize,
				NUMANode:  cfg.NUMANodeID,
				Hugepages: cfg.HugepagesEnabled,
			},
			Tx: xdp.RingConfig{Size: cfg.TxRingSize},
			Rx: xdp.RingConfig{Size: cfg.RxRingSize},
			Cr: xdp.RingConfig{Size: cfg.CompRingSize},
			Fr: xdp.RingConfig{Size: cfg.FillRingSize},
		})
		if err != nil {
			log.Fatalf("Failed to bring up datapath: %v", err)
		}
		log.Printf("Datapath bound to %s queue %d (fd %d)", cfg.XSKInterface, cfg.XSKQueueID, device.Fd())

		if cfg.XSKMapPath != "" {
			if err := insertIntoXSKMap(cfg, device); err != nil {
				log.Fatalf("Failed to insert socket into XSKMAP: %v", err)
			}
			log.Printf("Socket inserted into XSKMAP %s", cfg.XSKMapPath)
		}
	}

	srv, err := server.NewServer(cfg, device)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		log.Printf("Server listening on %s:%d", cfg.ServerHost, cfg.ServerPort)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if device != nil {
		if err := device.Close(); err != nil {
			log.Printf("Datapath teardown: %v", err)
		}
	}

	log.Println("Stopped")
}

// insertIntoXSKMap steers the configured queue to the freshly bound
// socket through the operator's pinned XSKMAP.
func insertIntoXSKMap(cfg *config.Config, device *xdp.XDPSocket) error {
	m, err := xdp.OpenXSKMap(cfg.XSKMapPath)
	if err != nil {
		return err
	}
	defer m.Close()

	return m.Insert(uint32(cfg.XSKQueueID), device.Fd())
}

// logNUMA reports the NUMA topology the allocator will work with.
func logNUMA() {
	info := memory.GetNUMAInfo()

	if !info.Available {
		log.Println("NUMA: Not available on this system")
		return
	}

	log.Printf("NUMA: Available with %d nodes, current node %d", info.NodeCount, info.CurrentNode)
	for node, memMB := range info.MemoryMB {
		log.Printf("NUMA: Node %d has %d MB memory", node, memMB)
	}
}
