package mesh

import (
	"github.com/wyvernglobal/junknas/pkg/config"
)

// Merge folds an incoming mesh-state payload into the local store:
//
//   - the sender itself is upserted (addressing fields only; locally stored
//     keepalive and preshared key survive),
//   - every carried peer is upserted by public key, skipping our own,
//   - mount points are replaced wholesale iff the incoming clock is >= ours,
//   - the peer clock advances once iff any upsert changed something, to at
//     least the incoming clock.
//
// Returns whether anything changed. A merge that returns without error has
// fully committed.
func Merge(store *config.Store, incoming State) (bool, error) {
	cfg := store.Snapshot()
	self := cfg.WireGuard.PublicKey

	var batch []config.Peer
	if sender, ok := incoming.SenderPeer(); ok && sender.PublicKey != self {
		if i := cfg.FindPeer(sender.PublicKey); i >= 0 {
			merged := cfg.WGPeers[i]
			merged.Endpoint = sender.Endpoint
			merged.WGIP = sender.WGIP
			merged.WebPort = sender.WebPort
			batch = append(batch, merged)
		} else {
			batch = append(batch, sender)
		}
	}
	for _, p := range incoming.Peers {
		if p.PublicKey == "" || p.WGIP == "" || p.PublicKey == self {
			continue
		}
		batch = append(batch, p)
	}

	peersChanged, err := store.MergePeersAt(batch, self, incoming.WGPeersUpdatedAt)
	if err != nil {
		return false, err
	}

	mountsChanged := false
	if incoming.MountPoints != nil || incoming.MountsUpdatedAt > 0 {
		mountsChanged, err = store.ReplaceMountPoints(incoming.MountPoints, incoming.MountsUpdatedAt)
		if err != nil {
			return peersChanged, err
		}
	}
	return peersChanged || mountsChanged, nil
}
