package main

import (
	"context"
	"sort"
	"time"

	"github.com/irctrakz/tpmeter/pkg/control"
	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/link"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/sirupsen/logrus"
)

// runNeighborCheck runs one short test against every configured neighbor in
// turn and logs the outcome. It detects unreachable or misconfigured
// neighbors at startup.
func runNeighborCheck(ctx context.Context, hub *control.Hub, udp *link.UDPLink, d time.Duration) {
	neighbors := udp.Neighbors()
	addrs := make([]core.Addr, 0, len(neighbors))
	for a := range neighbors {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })

	for _, peer := range addrs {
		if ctx.Err() != nil {
			return
		}
		checkNeighbor(ctx, hub, peer, neighbors[peer], d)
	}
}

func checkNeighbor(ctx context.Context, hub *control.Hub, peer core.Addr, endpoint string, d time.Duration) {
	fields := logrus.Fields{"peer": peer, "endpoint": endpoint}

	c, err := hub.Register()
	if err != nil {
		logging.WarnWithFields(fields, "Neighbor check: %v", err)
		return
	}
	defer c.Close()

	if err := c.Start(peer, d); err != nil {
		logging.WarnWithFields(fields, "Neighbor check: test refused: %v", err)
		return
	}

	// the receiver side answers within the test length plus a few RTOs
	timeout := time.NewTimer(d + 30*time.Second)
	defer timeout.Stop()

	select {
	case r := <-c.Results():
		if r.Status.IsError() {
			logging.WarnWithFields(fields, "Neighbor check: %s", r.Status)
			return
		}
		logging.InfoWithFields(fields, "Neighbor check: %s, %d bytes in %v (%s)",
			r.Status, r.TotalBytes, r.Elapsed.Round(time.Millisecond), formatRate(r.Throughput()))
	case <-timeout.C:
		logging.WarnWithFields(fields, "Neighbor check: no result within %v", d+30*time.Second)
		hub.Stop(peer, tp.StatusStopped)
	case <-ctx.Done():
		hub.Stop(peer, tp.StatusStopped)
	}
}
