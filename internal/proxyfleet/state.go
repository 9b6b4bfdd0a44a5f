package proxyfleet

// NewChainState allocates a tip table for one chain listener.
func NewChainState(chainName string) *ChainState {
	return &ChainState{ChainName: chainName, tips: make(map[string]uint64)}
}

// UpdateTip records the latest tip a probe observed for one upstream. Writers
// race freely across nodes; last write for a given key wins (spec §5, "no
// happens-before guarantee across probes").
func (c *ChainState) UpdateTip(proxyURI string, tip uint64) {
	c.mu.Lock()
	c.tips[proxyURI] = tip
	c.mu.Unlock()
}

// DeleteTip removes a node's tip, used when a probe transitions the node
// back to Unknown so it is excluded from max-tip computation until it next
// reports.
func (c *ChainState) DeleteTip(proxyURI string) {
	c.mu.Lock()
	delete(c.tips, proxyURI)
	c.mu.Unlock()
}

// SnapshotTips clones the tip map under the lock and releases it before
// returning, so the caller can compute eligibility without holding the lock
// during any I/O (spec §5, "clone-then-read").
func (c *ChainState) SnapshotTips() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.tips))
	for k, v := range c.tips {
		out[k] = v
	}
	return out
}

// MaxTip returns the highest tip currently recorded and whether any node has
// reported at all. A chain with no reporting nodes yet returns ok=false.
// The selector does not call it: it computes the maximum from SnapshotTips
// and fails with ErrNoTipYet when that maximum is 0.
func (c *ChainState) MaxTip() (max uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tip := range c.tips {
		if !ok || tip > max {
			max = tip
			ok = true
		}
	}
	return max, ok
}

// NewNodeState allocates a healthy-flag table for one common-mode group.
func NewNodeState(nodeName string) *NodeState {
	return &NodeState{NodeName: nodeName, healthy: make(map[string]bool)}
}

// SetHealthy records the latest liveness verdict for one upstream.
func (n *NodeState) SetHealthy(proxyURI string, healthy bool) {
	n.mu.Lock()
	n.healthy[proxyURI] = healthy
	n.mu.Unlock()
}

// SnapshotHealthy clones the healthy-flag map under the lock, mirroring
// ChainState.SnapshotTips.
func (n *NodeState) SnapshotHealthy() map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]bool, len(n.healthy))
	for k, v := range n.healthy {
		out[k] = v
	}
	return out
}

