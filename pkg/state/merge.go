package state

import (
	"fmt"
	"time"

	"github.com/danl5/goha/pkg/model"
)

func clusterKey(clusterID string) string {
	return fmt.Sprintf("ha/%s/cluster", clusterID)
}

func nodeKey(clusterID, nodeID string) string {
	return fmt.Sprintf("ha/%s/nodes/%s", clusterID, nodeID)
}

func eventsKey(clusterID string) string {
	return fmt.Sprintf("ha/%s/events", clusterID)
}

// merge combines the local view with the stored document.
// The policy comes from local. The primary pointer comes from remote unless
// the local one moved later, so an adopted pointer survives the next write.
// The failover count and last failover come from the side that counted more.
// Per node the newer heartbeat wins, ties and the self node keep the local
// record. Nodes only known remotely are appended.
func merge(local, remote *model.Cluster, selfID string) *model.Cluster {
	next := local.Clone()
	if remote == nil {
		return next
	}

	if !local.PrimaryChangedAt.After(remote.PrimaryChangedAt) {
		next.PrimaryID = remote.PrimaryID
		next.PrimaryChangedAt = remote.PrimaryChangedAt
	}
	if remote.FailoverCount >= local.FailoverCount {
		next.FailoverCount = remote.FailoverCount
		next.LastFailover = nil
		if remote.LastFailover != nil {
			t := *remote.LastFailover
			next.LastFailover = &t
		}
	}

	for _, rn := range remote.Nodes {
		if rn == nil || rn.ID == selfID {
			continue
		}
		ln := next.Node(rn.ID)
		if ln == nil || rn.LastHeartbeat.After(ln.LastHeartbeat) {
			next.Upsert(rn.Clone())
		}
	}

	// peer records may predate the pointer they lost
	if next.PrimaryID != "" {
		for _, n := range next.Nodes {
			if n.ID != next.PrimaryID && n.ID != selfID && n.Role == model.RolePrimary {
				n.Role = model.RoleSecondary
			}
		}
	}
	return next
}

// stamp truncates t to the millisecond precision of the wire messages
func stamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}
